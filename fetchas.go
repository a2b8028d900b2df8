package filecache

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/filecache/codec"
)

// FetchAs fetches id and converts it to V.
// Values already of type V are returned as-is; generic shapes (maps decoded
// from envelopes, []any, etc.) are converted with a msgpack round trip, so
// struct fields map by their msgpack tags.
func FetchAs[V any](ctx context.Context, s Store, id string) (V, bool, error) {
	var zero V
	m, err := s.Fetch(ctx, []string{id})
	if err != nil {
		return zero, false, err
	}
	raw, ok := m[id]
	if !ok {
		return zero, false, nil
	}
	if raw == nil {
		return zero, true, nil
	}
	if typed, ok := raw.(V); ok {
		return typed, true, nil
	}

	b, err := codec.Msgpack[any]{}.Encode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("filecache: convert %q: %w", id, err)
	}
	out, err := codec.Msgpack[V]{}.Decode(b)
	if err != nil {
		return zero, false, fmt.Errorf("filecache: cannot convert value of type %T to %T: %w", raw, zero, err)
	}
	return out, true, nil
}
