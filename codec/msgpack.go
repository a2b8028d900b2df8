package codec

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a Codec that serializes values using vmihailenco/msgpack/v5.
// The zero value is ready to use.
//
// Encoding sorts map keys so the same value always produces the same bytes.
// Use `msgpack:"fieldName"` tags if you need explicit control.
type Msgpack[V any] struct{}

var _ Codec[any] = Msgpack[any]{}

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	return marshalMsgpack(v)
}

// Decode decodes b into a V. For V = any the result uses the generic shapes
// described on decodeLoose.
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	if p, ok := any(&v).(*any); ok {
		x, err := unmarshalLoose(b)
		if err != nil {
			return v, err
		}
		*p = x
		return v, nil
	}
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unmarshalLoose decodes exactly one msgpack value into generic Go shapes:
// int64, uint64 (only beyond int64), float64, string, []byte, bool, nil,
// time.Time, []any, map[string]any (or map[any]any for non-string keys).
func unmarshalLoose(b []byte) (any, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	dec.SetMapDecoder(decodeMap)

	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("msgpack: %d trailing bytes", r.Len())
	}
	return normalize(v), nil
}

func unmarshalString(b []byte) (string, error) {
	r := bytes.NewReader(b)
	s, err := msgpack.NewDecoder(r).DecodeString()
	if err != nil {
		return "", err
	}
	if r.Len() != 0 {
		return "", fmt.Errorf("msgpack: %d trailing bytes", r.Len())
	}
	return s, nil
}

// decodeMap decodes one map entry at a time so a composite key is reported
// as an error instead of panicking on insert.
func decodeMap(d *msgpack.Decoder) (any, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	// string-keyed maps are folded to map[string]any by normalize
	m := make(map[any]any, n)
	for i := 0; i < n; i++ {
		k, err := d.DecodeInterfaceLoose()
		if err != nil {
			return nil, err
		}
		if k != nil && !reflect.TypeOf(k).Comparable() {
			return nil, fmt.Errorf("msgpack: map key of type %T is not hashable", k)
		}
		v, err := d.DecodeInterfaceLoose()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
