package genstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares per-path generations between processes writing the
// same cache directory. With a TTL, idle generation keys expire; readers then
// observe 0, so a copy cached at a higher generation is re-read from disk.
type RedisGenStore struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ GenStore = (*RedisGenStore)(nil)

// NewRedisGenStore creates a Redis-backed generation store whose keys never expire.
func NewRedisGenStore(client redis.UniversalClient, namespace string) *RedisGenStore {
	return NewRedisGenStoreWithTTL(client, namespace, 0)
}

// NewRedisGenStoreWithTTL creates a Redis-backed generation store. Every
// Bump refreshes the key's TTL; ttl <= 0 disables expiry.
func NewRedisGenStoreWithTTL(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: namespace, ttl: ttl}
}

func (s *RedisGenStore) key(p string) string { return "filecache:gen:" + s.ns + ":" + p }

func (s *RedisGenStore) Snapshot(ctx context.Context, path string) (uint64, error) {
	gen, err := s.rdb.Get(ctx, s.key(path)).Uint64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("genstore: snapshot %s: %w", path, err)
	}
	return gen, nil
}

// Bump increments the generation; with a TTL the INCR and EXPIRE share one
// round trip.
func (s *RedisGenStore) Bump(ctx context.Context, path string) (uint64, error) {
	k := s.key(path)
	if s.ttl <= 0 {
		gen, err := s.rdb.Incr(ctx, k).Uint64()
		if err != nil {
			return 0, fmt.Errorf("genstore: bump %s: %w", path, err)
		}
		return gen, nil
	}

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("genstore: bump %s: %w", path, err)
	}
	return incr.Uint64()
}

// Close closes the underlying client. A client already closed elsewhere is
// not an error, since the hot provider may share it.
func (s *RedisGenStore) Close(context.Context) error {
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
