package filecache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the store calls them inline.
type Hooks interface {
	// An entry file could not be parsed. Fetch treated it as absent and
	// Prune skipped it.
	// reason ∈ {"corrupt", "literal_decode", "value_decode"}
	CorruptEntry(path, reason string)

	// Save could not encode the value stored under key.
	EncodeRejected(key string, err error)

	// Save could not write the entry file for key.
	WriteFailed(key string, err error)

	// Delete, Prune or Clear could not remove a file.
	UnlinkFailed(path string, err error)

	// A Prune walk finished. removed counts expired files that are gone,
	// failed counts expired files that are still there.
	PruneCompleted(removed, failed int, ok bool)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CorruptEntry(string, string)   {}
func (NopHooks) EncodeRejected(string, error)  {}
func (NopHooks) WriteFailed(string, error)     {}
func (NopHooks) UnlinkFailed(string, error)    {}
func (NopHooks) PruneCompleted(int, int, bool) {}
