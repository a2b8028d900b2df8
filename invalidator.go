package filecache

// Invalidator is the hook into a cache of already-parsed entry files that sits
// in front of the directory (see package hot). The store asks Supported once
// at construction; when it reports false the hook is never called.
//
// Invalidate is best effort: it must not block for long and cannot fail.
type Invalidator interface {
	Supported() bool
	Invalidate(path string)
}

// EntryReader is implemented by invalidators that can also serve entry bytes.
// When the configured Invalidator implements it, Fetch and Prune read through
// it instead of the filesystem. A missing file must be reported with an error
// matching fs.ErrNotExist.
type EntryReader interface {
	ReadEntry(path string) ([]byte, error)
}

// NopInvalidator is the default: no compiled-entry cache.
type NopInvalidator struct{}

func (NopInvalidator) Supported() bool   { return false }
func (NopInvalidator) Invalidate(string) {}
