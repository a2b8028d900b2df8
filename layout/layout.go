// Package layout maps cache keys to entry files under a root directory.
//
// The default Hashed layout spreads keys over two levels of one-character
// shard directories so no single directory grows unbounded:
//
//	<root>/<A>/<B>/<20 chars of url-safe base64(sha256(namespace + key))>
package layout

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReservedChars may not appear in keys.
const ReservedChars = "{}()/\\@:"

var (
	ErrEmptyKey    = errors.New("layout: empty key")
	ErrReservedKey = errors.New("layout: key contains reserved characters " + ReservedChars)
)

// Resolver returns the entry file for key. With create set, parent
// directories are created on demand. Implementations must be deterministic
// and safe for concurrent use.
type Resolver interface {
	PathFor(key string, create bool) (string, error)
}

// Hashed is the default Resolver.
type Hashed struct {
	root      string
	namespace string
}

var _ Resolver = (*Hashed)(nil)

// NewHashed returns a Hashed layout rooted at root. The namespace is mixed
// into the hash so stores sharing a root do not collide.
func NewHashed(root, namespace string) *Hashed {
	return &Hashed{root: root, namespace: namespace}
}

// Root returns the directory all entry files live under.
func (h *Hashed) Root() string { return h.root }

func (h *Hashed) PathFor(key string, create bool) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(h.namespace + key))
	name := base64.RawURLEncoding.EncodeToString(sum[:])

	dir := filepath.Join(h.root, strings.ToUpper(name[:1]), strings.ToUpper(name[1:2]))
	if create {
		// 0o777 so the process umask decides the final mode
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return "", fmt.Errorf("layout: create %s: %w", dir, err)
		}
	}
	return filepath.Join(dir, name[2:22]), nil
}

// ValidateKey rejects empty keys and keys with reserved characters.
func ValidateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.ContainsAny(key, ReservedChars) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	return nil
}
