package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/filecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CorruptEvery uint64
	PruneEvery   uint64
	// Optional key redactor applied to cache keys. Defaults to SHA-256 prefix.
	// Entry paths are already hashed and logged as-is.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	corruptCtr atomic.Uint64
	pruneCtr   atomic.Uint64
}

var _ filecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CorruptEntry(path, reason string) {
	if h.l == nil || !sample(h.opts.CorruptEvery, &h.corruptCtr) {
		return
	}
	h.l.Debug("filecache.corrupt_entry",
		"path", path,
		"reason", reason)
}

func (h *Hooks) EncodeRejected(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("filecache.encode_rejected",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) WriteFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("filecache.write_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) UnlinkFailed(path string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("filecache.unlink_failed",
		"path", path,
		"err", err)
}

func (h *Hooks) PruneCompleted(removed, failed int, ok bool) {
	if h.l == nil {
		return
	}
	if !ok {
		h.l.Error("filecache.prune_incomplete",
			"removed", removed,
			"failed", failed)
		return
	}
	if !sample(h.opts.PruneEvery, &h.pruneCtr) {
		return
	}
	h.l.Info("filecache.prune_completed",
		"removed", removed)
}
