// Package filecache implements a persistent key/value cache on the local
// filesystem. Every entry is one file holding the expiration timestamp and
// the encoded value; entries survive process restarts and can be shared by
// processes pointing at the same directory.
//
// Components:
//   - Store: Fetch/Have/Save/Delete/Prune/Clear over a directory.
//   - layout.Resolver: key -> entry file path (sharded sha256 by default).
//   - codec: value rules (literal vs. "<tag>:<body>" envelope) and the CBOR
//     literal codec.
//   - Invalidator: optional cache of parsed entry files in front of the
//     directory (see package hot), notified on every write and unlink.
//
// Entry file:
//
//	"FCE1" | version | kind | expiresAt (unix s) | xxhash64(payload) | len | payload
//
// Writes go to a temp file in the target directory that is renamed into
// place, so concurrent readers see either the previous entry or the new one.
// The entry file's mtime is set to StartTime-10s.
package filecache
