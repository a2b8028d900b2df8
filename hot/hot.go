// Package hot keeps recently read entry files in memory in front of a
// filecache directory.
//
// A Cache is plugged into filecache.Options.Invalidator. The store then reads
// entry files through it and tells it about every write and unlink.
//
// Two rules keep a cached copy honest:
//   - only files whose mtime is strictly before the cache's start time are
//     cached; files touched after start are read straight from disk. The store
//     backdates every entry file for this reason.
//   - each copy carries the file stamp (mtime, size) and the path generation
//     observed before the read. A hit needs both to still match; Invalidate
//     bumps the generation.
package hot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/filecache"
	"github.com/unkn0wn-root/filecache/genstore"
	"github.com/unkn0wn-root/filecache/internal/wire"
	"github.com/unkn0wn-root/filecache/provider"
)

type Options struct {
	Provider  provider.Provider // nil => provider.NewMap()
	GenStore  genstore.GenStore // nil => genstore.NewLocalGenStore(0, 0)
	StartTime time.Time         // zero => time.Now() at construction
	TTL       time.Duration     // lifetime of a cached copy in the provider; 0 => none
	Timeout   time.Duration     // per provider/genstore call; 0 => none
	Logger    filecache.Logger  // nil => NopLogger
}

// Stats are cumulative counters.
type Stats struct {
	Hits          uint64 // served from memory
	Misses        uint64 // read from disk and cached
	Bypassed      uint64 // read from disk, not cacheable
	Invalidations uint64
}

type Cache struct {
	p       provider.Provider
	gens    genstore.GenStore
	start   time.Time
	ttl     time.Duration
	timeout time.Duration
	log     filecache.Logger

	hits, misses, bypassed, invalidations atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

var (
	_ filecache.Invalidator = (*Cache)(nil)
	_ filecache.EntryReader = (*Cache)(nil)
)

func New(opts Options) *Cache {
	c := &Cache{
		p:       opts.Provider,
		gens:    opts.GenStore,
		start:   opts.StartTime,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
	if c.p == nil {
		c.p = provider.NewMap()
	}
	if c.gens == nil {
		c.gens = genstore.NewLocalGenStore(0, 0)
	}
	if c.start.IsZero() {
		c.start = time.Now()
	}
	if c.log == nil {
		c.log = filecache.NopLogger{}
	}
	return c
}

func (c *Cache) Supported() bool { return true }

// StartTime is the cut-off: files modified at or after it are never cached.
func (c *Cache) StartTime() time.Time { return c.start }

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Bypassed:      c.bypassed.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Invalidate drops the cached copy of path. The generation bump alone is
// enough to reject the copy; the delete frees memory.
func (c *Cache) Invalidate(path string) {
	ctx, cancel := c.ctx()
	defer cancel()

	c.invalidations.Add(1)
	if _, err := c.gens.Bump(ctx, path); err != nil {
		c.log.Warn("hot: generation bump failed", filecache.Fields{"path": path, "err": err})
	}
	if err := c.p.Del(ctx, path); err != nil {
		c.log.Warn("hot: provider delete failed", filecache.Fields{"path": path, "err": err})
	}
}

// ReadEntry returns the content of the entry file at path. The returned slice
// may be shared with the cache and must not be modified.
func (c *Cache) ReadEntry(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("hot: %s is not a regular file: %w", path, fs.ErrNotExist)
	}
	if !info.ModTime().Before(c.start) {
		c.bypassed.Add(1)
		return os.ReadFile(path)
	}

	ctx, cancel := c.ctx()
	defer cancel()

	// generation first: a write racing with the read below bumps past it
	gen, err := c.gens.Snapshot(ctx, path)
	if err != nil {
		c.log.Warn("hot: generation snapshot failed", filecache.Fields{"path": path, "err": err})
		c.bypassed.Add(1)
		return os.ReadFile(path)
	}

	mtime, size := info.ModTime().UnixNano(), info.Size()
	if b, ok, err := c.p.Get(ctx, path); err != nil {
		c.log.Debug("hot: provider get failed", filecache.Fields{"path": path, "err": err})
	} else if ok {
		snap, err := wire.DecodeSnapshot(b)
		if err == nil && snap.Gen == gen && snap.MTime == mtime && snap.Size == size {
			c.hits.Add(1)
			return snap.Data, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		// replaced between stat and read
		c.bypassed.Add(1)
		return data, nil
	}
	c.misses.Add(1)

	frame := wire.EncodeSnapshot(wire.Snapshot{Gen: gen, MTime: mtime, Size: size, Data: data})
	if ok, err := c.p.Set(ctx, path, frame, int64(len(frame)), c.ttl); err != nil || !ok {
		c.log.Debug("hot: provider rejected snapshot", filecache.Fields{"path": path, "err": err})
	}
	return data, nil
}

// Close releases the provider and the generation store.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.p.Close(ctx), c.gens.Close(ctx))
	})
	return c.closeErr
}

func (c *Cache) ctx() (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(context.Background(), c.timeout)
	}
	return context.WithCancel(context.Background())
}
