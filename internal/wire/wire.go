// Package wire encodes replica slot states in the protobuf wire format.
// Storage uses it for persisted values and transport for RPC payloads.
//
// Log state:      1 proposal, 2 accepted, 3 value.
// Register state: 1 proposal, 2 accepted, 3 value, 4 replicas (repeated),
// 5 membership change, 6 changed replica.
//
// The value field is written only when the value is present, so an absent
// value and an empty one survive a round trip. Unknown fields are skipped.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"caspaxos/internal/register"
	"caspaxos/internal/replog"
)

const (
	fieldProposal protowire.Number = 1
	fieldAccepted protowire.Number = 2
	fieldValue    protowire.Number = 3
	fieldReplicas protowire.Number = 4
	fieldChange   protowire.Number = 5
	fieldChanged  protowire.Number = 6
)

// AppendVarint appends a varint field.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBytes appends a length-delimited field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Fields calls fn for each field of the message in b. fn consumes the field
// value at the start of its argument and returns the bytes consumed.
func Fields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// Skip consumes a field this decoder does not know.
func Skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

// Varint consumes a varint field value.
func Varint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// Bytes consumes a length-delimited field value. The result is a non-nil
// copy, even for an empty field.
func Bytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return append([]byte{}, v...), n, nil
}

// AppendLogState appends the encoding of s to b.
func AppendLogState(b []byte, s replog.State) []byte {
	b = AppendVarint(b, fieldProposal, uint64(s.Proposal))
	b = AppendVarint(b, fieldAccepted, uint64(s.Accepted))
	if s.Value != nil {
		b = AppendBytes(b, fieldValue, s.Value)
	}
	return b
}

// DecodeLogState decodes a log state.
func DecodeLogState(b []byte) (replog.State, error) {
	var s replog.State
	err := Fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldProposal:
			v, n, err := Varint(typ, b)
			s.Proposal = int32(v)
			return n, err
		case fieldAccepted:
			v, n, err := Varint(typ, b)
			s.Accepted = int32(v)
			return n, err
		case fieldValue:
			v, n, err := Bytes(typ, b)
			s.Value = v
			return n, err
		default:
			return Skip(num, typ, b)
		}
	})
	if err != nil {
		return replog.State{}, fmt.Errorf("decode log state: %w", err)
	}
	return s, nil
}

// AppendRegisterState appends the encoding of s to b.
func AppendRegisterState(b []byte, s register.State) []byte {
	b = AppendVarint(b, fieldProposal, uint64(s.Proposal))
	b = AppendVarint(b, fieldAccepted, uint64(s.Accepted))
	if s.Value != nil {
		b = AppendBytes(b, fieldValue, s.Value)
	}
	for _, id := range s.Replicas {
		b = AppendVarint(b, fieldReplicas, uint64(id))
	}
	if s.Pending.Change != register.Unmodified {
		b = AppendVarint(b, fieldChange, uint64(s.Pending.Change))
		b = AppendVarint(b, fieldChanged, uint64(s.Pending.Replica))
	}
	return b
}

// DecodeRegisterState decodes a register state.
func DecodeRegisterState(b []byte) (register.State, error) {
	var s register.State
	err := Fields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldProposal:
			v, n, err := Varint(typ, b)
			s.Proposal = int64(v)
			return n, err
		case fieldAccepted:
			v, n, err := Varint(typ, b)
			s.Accepted = int64(v)
			return n, err
		case fieldValue:
			v, n, err := Bytes(typ, b)
			s.Value = v
			return n, err
		case fieldReplicas:
			v, n, err := Varint(typ, b)
			s.Replicas = append(s.Replicas, int64(v))
			return n, err
		case fieldChange:
			v, n, err := Varint(typ, b)
			s.Pending.Change = register.Change(v)
			return n, err
		case fieldChanged:
			v, n, err := Varint(typ, b)
			s.Pending.Replica = int64(v)
			return n, err
		default:
			return Skip(num, typ, b)
		}
	})
	if err != nil {
		return register.State{}, fmt.Errorf("decode register state: %w", err)
	}
	return s, nil
}
