package register

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Transcoder converts register values between their logical type and the
// bytes stored on replicas.
type Transcoder[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// StringTranscoder stores strings as raw UTF-8 bytes.
type StringTranscoder struct{}

func (StringTranscoder) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (StringTranscoder) Decode(b []byte) (string, error) { return string(b), nil }

// BytesTranscoder stores byte slices unchanged.
type BytesTranscoder struct{}

func (BytesTranscoder) Encode(v []byte) ([]byte, error) { return append([]byte{}, v...), nil }
func (BytesTranscoder) Decode(b []byte) ([]byte, error) { return append([]byte{}, b...), nil }

// Int64sTranscoder stores a list of integers as consecutive big-endian words.
type Int64sTranscoder struct{}

func (Int64sTranscoder) Encode(v []int64) ([]byte, error) {
	out := make([]byte, 0, 8*len(v))
	for _, x := range v {
		out = binary.BigEndian.AppendUint64(out, uint64(x))
	}
	return out, nil
}

func (Int64sTranscoder) Decode(b []byte) ([]int64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("int64 list: length %d is not a multiple of 8", len(b))
	}
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = int64(binary.BigEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// JSONTranscoder stores values as JSON documents.
type JSONTranscoder[T any] struct{}

func (JSONTranscoder[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONTranscoder[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}
