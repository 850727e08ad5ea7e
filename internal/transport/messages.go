package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"caspaxos/internal/register"
	"caspaxos/internal/replog"
	"caspaxos/internal/wire"
)

// message is implemented by every request and response type.
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// logRequest fields: 1 index, 2 update, 3 expect.
type logRequest struct {
	Index  int64
	Update replog.State
	Expect replog.State
}

func (m *logRequest) marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Index))
	b = wire.AppendBytes(b, 2, wire.AppendLogState(nil, m.Update))
	return wire.AppendBytes(b, 3, wire.AppendLogState(nil, m.Expect))
}

func (m *logRequest) unmarshal(b []byte) error {
	return wire.Fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := wire.Varint(typ, b)
			m.Index = int64(v)
			return n, err
		case 2:
			return logStateField(typ, b, &m.Update)
		case 3:
			return logStateField(typ, b, &m.Expect)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// logResponse fields: 1 state, 2 applied, 3 last index.
type logResponse struct {
	State     replog.State
	Applied   bool
	LastIndex int64
}

func (m *logResponse) marshal() []byte {
	b := wire.AppendBytes(nil, 1, wire.AppendLogState(nil, m.State))
	b = wire.AppendVarint(b, 2, protowire.EncodeBool(m.Applied))
	return wire.AppendVarint(b, 3, uint64(m.LastIndex))
}

func (m *logResponse) unmarshal(b []byte) error {
	return wire.Fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return logStateField(typ, b, &m.State)
		case 2:
			v, n, err := wire.Varint(typ, b)
			m.Applied = protowire.DecodeBool(v)
			return n, err
		case 3:
			v, n, err := wire.Varint(typ, b)
			m.LastIndex = int64(v)
			return n, err
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// registerRequest fields: 1 replica id, 2 key, 3 update, 4 expect.
type registerRequest struct {
	Replica int64
	Key     string
	Update  register.State
	Expect  register.State
}

func (m *registerRequest) marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Replica))
	b = wire.AppendBytes(b, 2, []byte(m.Key))
	b = wire.AppendBytes(b, 3, wire.AppendRegisterState(nil, m.Update))
	return wire.AppendBytes(b, 4, wire.AppendRegisterState(nil, m.Expect))
}

func (m *registerRequest) unmarshal(b []byte) error {
	return wire.Fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := wire.Varint(typ, b)
			m.Replica = int64(v)
			return n, err
		case 2:
			v, n, err := wire.Bytes(typ, b)
			m.Key = string(v)
			return n, err
		case 3:
			return registerStateField(typ, b, &m.Update)
		case 4:
			return registerStateField(typ, b, &m.Expect)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// registerResponse fields: 1 state, 2 applied.
type registerResponse struct {
	State   register.State
	Applied bool
}

func (m *registerResponse) marshal() []byte {
	b := wire.AppendBytes(nil, 1, wire.AppendRegisterState(nil, m.State))
	return wire.AppendVarint(b, 2, protowire.EncodeBool(m.Applied))
}

func (m *registerResponse) unmarshal(b []byte) error {
	return wire.Fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return registerStateField(typ, b, &m.State)
		case 2:
			v, n, err := wire.Varint(typ, b)
			m.Applied = protowire.DecodeBool(v)
			return n, err
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

func logStateField(typ protowire.Type, b []byte, dst *replog.State) (int, error) {
	raw, n, err := wire.Bytes(typ, b)
	if err != nil {
		return n, err
	}
	s, err := wire.DecodeLogState(raw)
	if err != nil {
		return n, err
	}
	*dst = s
	return n, nil
}

func registerStateField(typ protowire.Type, b []byte, dst *register.State) (int, error) {
	raw, n, err := wire.Bytes(typ, b)
	if err != nil {
		return n, err
	}
	s, err := wire.DecodeRegisterState(raw)
	if err != nil {
		return n, err
	}
	*dst = s
	return n, nil
}

// codec marshals the package's messages for gRPC.
type codec struct{}

const codecName = "caspaxos"

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", codecName, v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", codecName, v)
	}
	return m.unmarshal(data)
}
