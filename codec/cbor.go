package codec

import (
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Literal is the Codec that writes literals into entry payloads using
// fxamacker/cbor. The zero value is NOT ready to use. Construct with
// NewLiteral or MustLiteral.
//
// Decoded values are normalised so they compare equal to the canonical form
// the value rules produce: unsigned integers that fit are returned as int64,
// maps whose keys are all strings become map[string]any.
type Literal struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[any] = Literal{}

// NewLiteral constructs the literal codec.
//   - Deterministic is true, uses CoreDetEncOptions (RFC 8949) so equal values
//     produce byte-identical files.
//   - Otherwise uses PreferredUnsortedEncOptions.
//
// Text strings are decoded without UTF-8 validation: envelopes carry binary
// msgpack inside Go strings.
func NewLiteral(deterministic bool) (Literal, error) {
	var eo cbor.EncOptions
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	} else {
		eo = cbor.PreferredUnsortedEncOptions()
	}
	// float64 stays float64 on the wire; literal floats round trip bit for bit
	eo.ShortestFloat = cbor.ShortestFloatNone
	eo.Time = cbor.TimeRFC3339Nano

	em, err := eo.EncMode()
	if err != nil {
		return Literal{}, err
	}
	dm, err := cbor.DecOptions{
		UTF8:   cbor.UTF8DecodeInvalid,
		IntDec: cbor.IntDecConvertNone,
	}.DecMode()
	if err != nil {
		return Literal{}, err
	}
	return Literal{enc: em, dec: dm}, nil
}

// MustLiteral is like NewLiteral but panics on error.
// Handy for package-level variables and tests.
func MustLiteral(deterministic bool) Literal {
	l, err := NewLiteral(deterministic)
	if err != nil {
		panic(err)
	}
	return l
}

// Encode writes a literal produced by Encode (the value rules) as CBOR.
func (l Literal) Encode(v any) ([]byte, error) {
	return l.enc.Marshal(v)
}

// Decode reads one CBOR data item back into its canonical Go form.
func (l Literal) Decode(b []byte) (any, error) {
	var v any
	if err := l.dec.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[any]any:
		allStrings := true
		out := make(map[any]any, len(x))
		for k, e := range x {
			nk := normalize(k)
			if _, ok := nk.(string); !ok {
				allStrings = false
			}
			out[nk] = normalize(e)
		}
		if !allStrings {
			return out
		}
		sm := make(map[string]any, len(out))
		for k, e := range out {
			sm[k.(string)] = e
		}
		return sm
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	default:
		return v
	}
}
