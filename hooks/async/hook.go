// Package asynchook moves hook delivery off the store's call path.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{CorruptEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := filecache.New(filecache.Options{
//	    Directory: "/var/cache/app",
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped, not queued, once the buffer is full.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/filecache"
)

type Hooks struct {
	inner   filecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards q against send-after-close
	closed  bool
	dropped atomic.Uint64
}

var _ filecache.Hooks = (*Hooks)(nil)

func New(inner filecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full
// or the hooks were closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CorruptEntry(p, r string)           { h.try(func() { h.inner.CorruptEntry(p, r) }) }
func (h *Hooks) EncodeRejected(k string, err error) { h.try(func() { h.inner.EncodeRejected(k, err) }) }
func (h *Hooks) WriteFailed(k string, err error)    { h.try(func() { h.inner.WriteFailed(k, err) }) }
func (h *Hooks) UnlinkFailed(p string, err error)   { h.try(func() { h.inner.UnlinkFailed(p, err) }) }
func (h *Hooks) PruneCompleted(removed, failed int, ok bool) {
	h.try(func() { h.inner.PruneCompleted(removed, failed, ok) })
}
