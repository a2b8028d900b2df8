// Package codec turns cache values into the bytes stored inside an entry file
// and back.
//
// Two layers are involved:
//   - Value rules (Encode/Decode): pick between a literal and an envelope for
//     every value. Literals are plain scalars and plain collections; envelopes
//     are "<tag>:<body>" strings carrying msgpack or protobuf.
//   - Literal codec: CBOR, the self-describing substrate that keeps a literal's
//     kind (int, float, bool, text, bytes, array, map) without extra tagging.
//
// Codec[V] is the byte-level contract shared by the literal codec, the msgpack
// and JSON helpers and LimitCodec.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
