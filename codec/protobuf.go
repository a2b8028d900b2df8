package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Protobuf carries proto messages inside the "p:" envelope. The body is an
// anypb.Any so the concrete message type travels with the bytes; decoding
// resolves it through the global registry, which means the message's Go
// package must be linked into the reading binary.
type Protobuf struct{}

var _ Codec[proto.Message] = Protobuf{}

func (Protobuf) Encode(m proto.Message) ([]byte, error) {
	a, err := anypb.New(m)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(a)
}

func (Protobuf) Decode(b []byte) (proto.Message, error) {
	var a anypb.Any
	if err := proto.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return a.UnmarshalNew()
}
