package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

// Envelope layout: one tag byte, the delimiter, then the body.
const (
	// NullMarker is the encoded form of nil. It is two bytes long, so it can
	// never satisfy the envelope header test below.
	NullMarker = "N;"

	Delimiter byte = ':'

	TagString byte = 's'
	TagArray  byte = 'a'
	TagMap    byte = 'm'
	TagObject byte = 'o'
	TagProto  byte = 'p'
)

var (
	// ErrBadEnvelope is returned by Decode for a string that has the envelope
	// header shape but an unknown tag or an undecodable body.
	ErrBadEnvelope = errors.New("codec: bad envelope")
	// ErrCycle is wrapped in NonSerializableValueError for self-referencing values.
	ErrCycle = errors.New("codec: reference cycle")
)

// NonSerializableValueError reports a value the cache cannot store.
type NonSerializableValueError struct {
	Key  string
	Type string
	Err  error
}

func (e *NonSerializableValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache key %q has non-serializable %s value: %v", e.Key, e.Type, e.Err)
	}
	return fmt.Sprintf("cache key %q has non-serializable %s value", e.Key, e.Type)
}

func (e *NonSerializableValueError) Unwrap() error { return e.Err }

// LooksEnveloped reports whether s has the envelope header shape: at least
// three bytes with the delimiter at offset 1.
func LooksEnveloped(s string) bool {
	return len(s) >= 3 && s[1] == Delimiter
}

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Encode picks the stored form of v for key. The result is either a literal
// (string, int64, uint64, float64, bool, []byte, []any, map[string]any,
// map[any]any) or an envelope string.
func Encode(key string, v any) (any, error) {
	if isNil(v) {
		return NullMarker, nil
	}
	if m, ok := v.(proto.Message); ok {
		body, err := Protobuf{}.Encode(m)
		if err != nil {
			return nil, &NonSerializableValueError{Key: key, Type: typeName(v), Err: err}
		}
		return envelope(TagProto, body), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		s := rv.String()
		if s == NullMarker || LooksEnveloped(s) {
			body, err := marshalMsgpack(s)
			if err != nil {
				return nil, &NonSerializableValueError{Key: key, Type: typeName(v), Err: err}
			}
			return envelope(TagString, body), nil
		}
		return s, nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return canonicalUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}

	shared, err := inspect(rv)
	if err != nil {
		return nil, &NonSerializableValueError{Key: key, Type: typeName(v), Err: err}
	}
	body, err := marshalMsgpack(v)
	if err != nil {
		return nil, &NonSerializableValueError{Key: key, Type: typeName(v), Err: err}
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		tag := TagArray
		if rv.Kind() == reflect.Map {
			tag = TagMap
		}
		env := envelope(tag, body)
		if shared {
			return env, nil
		}
		back, err := unmarshalLoose(body)
		if err != nil {
			return env, nil
		}
		canon, ok := canonical(rv)
		if !ok || !reflect.DeepEqual(back, canon) {
			return env, nil
		}
		return canon, nil
	default:
		return envelope(TagObject, body), nil
	}
}

// Decode reverses Encode. Literals come back unchanged.
func Decode(stored any) (any, error) {
	s, ok := stored.(string)
	if !ok {
		return stored, nil
	}
	if s == NullMarker {
		return nil, nil
	}
	if !LooksEnveloped(s) {
		return s, nil
	}

	body := []byte(s[2:])
	switch s[0] {
	case TagString:
		out, err := unmarshalString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return out, nil
	case TagArray, TagMap, TagObject:
		out, err := unmarshalLoose(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return out, nil
	case TagProto:
		out, err := Protobuf{}.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrBadEnvelope, s[0])
	}
}

func envelope(tag byte, body []byte) string {
	b := make([]byte, 0, 2+len(body))
	b = append(b, tag, Delimiter)
	b = append(b, body...)
	return string(b)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

func canonicalUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// canonical converts a plain collection to the shapes the literal and msgpack
// decoders produce. ok is false when v holds anything those decoders cannot
// reproduce as-is (structs, pointers, custom encoders).
func canonical(rv reflect.Value) (any, bool) {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		return canonical(rv.Elem())
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return canonicalUint(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, true
		}
		if hasCustomEncoding(rv.Type()) {
			return nil, false
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := range b {
				b[i] = byte(rv.Index(i).Uint())
			}
			return b, true
		}
		out := make([]any, rv.Len())
		for i := range out {
			e, ok := canonical(rv.Index(i))
			if !ok {
				return nil, false
			}
			out[i] = e
		}
		return out, true
	case reflect.Map:
		if rv.IsNil() {
			return nil, true
		}
		if hasCustomEncoding(rv.Type()) {
			return nil, false
		}
		if rv.Len() == 0 {
			return map[string]any{}, true
		}
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				e, ok := canonical(iter.Value())
				if !ok {
					return nil, false
				}
				out[iter.Key().String()] = e
			}
			return out, true
		}
		out := make(map[any]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, ok := canonical(iter.Key())
			if !ok {
				return nil, false
			}
			switch k.(type) {
			case []byte, []any, map[string]any, map[any]any:
				return nil, false
			}
			e, ok := canonical(iter.Value())
			if !ok {
				return nil, false
			}
			out[k] = e
		}
		return out, true
	default:
		return nil, false
	}
}

var (
	customEncoderType = reflect.TypeOf((*msgpack.CustomEncoder)(nil)).Elem()
	marshalerType     = reflect.TypeOf((*msgpack.Marshaler)(nil)).Elem()
)

func hasCustomEncoding(t reflect.Type) bool {
	if t.Implements(customEncoderType) || t.Implements(marshalerType) || t.Implements(protoMessageType) {
		return true
	}
	pt := reflect.PointerTo(t)
	return pt.Implements(customEncoderType) || pt.Implements(marshalerType)
}
