package filecache

import (
	"fmt"

	"github.com/unkn0wn-root/filecache/codec"
)

// NonSerializableValueError is returned (joined with its siblings) by Save for
// every value the codec cannot store. Other keys of the batch are still written.
type NonSerializableValueError = codec.NonSerializableValueError

// CacheDirectoryNotWritableError is returned by Save when writes failed and
// the cache directory itself rejects new files.
type CacheDirectoryNotWritableError struct {
	Directory string
	Err       error
}

func (e *CacheDirectoryNotWritableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache directory is not writable (%s): %v", e.Directory, e.Err)
	}
	return fmt.Sprintf("cache directory is not writable (%s)", e.Directory)
}

func (e *CacheDirectoryNotWritableError) Unwrap() error { return e.Err }
