package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON is a Codec backed by encoding/json. For V = any, numbers decode as
// int64 when they are integral and float64 otherwise, matching the literal
// shapes the store hands back, so values typed on a command line compare equal
// to values read from the cache.
type JSON[V any] struct{}

var _ Codec[any] = JSON[any]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if dec.More() {
		return v, fmt.Errorf("json: trailing data")
	}
	if p, ok := any(&v).(*any); ok {
		*p = numbers(*p)
	}
	return v, nil
}

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = numbers(x[i])
		}
	case map[string]any:
		for k, e := range x {
			x[k] = numbers(e)
		}
	}
	return v
}
