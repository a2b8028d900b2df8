package filecache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/filecache/layout"
)

// Store is a file-backed key/value cache with per-entry expiration.
// One file holds one entry; values survive process restarts.
type Store interface {
	// Fetch returns the live entries among ids. Missing, expired and
	// unreadable entries are simply absent from the result. The error is
	// non-nil only when ctx is done.
	Fetch(ctx context.Context, ids []string) (map[string]any, error)

	// Have reports whether Fetch would return id.
	Have(ctx context.Context, id string) bool

	// Save writes every value with the given lifetime (<= 0 => never expires).
	// ok is false when any entry was not written. err joins the encoding
	// errors of the batch, or is a *CacheDirectoryNotWritableError.
	Save(ctx context.Context, values map[string]any, lifetime time.Duration) (ok bool, err error)

	// Delete removes the entry and reports whether its file is absent now.
	Delete(ctx context.Context, id string) bool

	// Prune removes every expired entry under Root. It reports false if
	// any expired file could not be removed; the walk always continues.
	Prune(ctx context.Context) bool

	// Clear removes every entry under Root.
	Clear(ctx context.Context) bool

	// Root is the directory holding all entry files.
	Root() string

	// StartTime is the baseline used to backdate entry files.
	StartTime() time.Time

	Close(ctx context.Context) error
}

// Options tune the store. Only Directory is required; others have sensible defaults.
type Options struct {
	// Required
	Directory string // created if missing

	Namespace     string          // sub-directory of Directory; "" => "@"
	Resolver      layout.Resolver // nil => layout.NewHashed(Root, Namespace); must place files under Root
	Invalidator   Invalidator     // nil => NopInvalidator
	Logger        Logger          // nil => NopLogger
	Hooks         Hooks           // nil => NopHooks
	Now           func() time.Time
	StartTime     time.Time     // zero => Now() at construction
	PruneInterval time.Duration // 0 => no background pruning
	MaxEntrySize  int           // max literal payload in bytes; 0 => unlimited
}

// New creates the namespace directory under opts.Directory and returns a Store
// over it. A positive PruneInterval starts background pruning until Close.
func New(opts Options) (Store, error) {
	return newStore(opts)
}
