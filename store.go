package filecache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/filecache/codec"
	"github.com/unkn0wn-root/filecache/internal/wire"
	"github.com/unkn0wn-root/filecache/layout"
)

const (
	defaultNamespace = "@"
	tempPrefix       = ".fc-"

	// Entry files are dated this far before the store's start time so a
	// compiled-entry cache that only trusts files older than its own start
	// accepts them immediately.
	backdate = 10 * time.Second

	// Temp files older than this are leftovers of an interrupted write.
	staleTempAge = time.Minute
)

var namespaceRe = regexp.MustCompile(`[^-+_.A-Za-z0-9]`)

type store struct {
	root      string
	resolver  layout.Resolver
	literal   codec.Codec[any]
	inv       Invalidator
	invalid   bool // inv.Supported(), asked once
	reader    EntryReader
	log       Logger
	hooks     Hooks
	now       func() time.Time
	startTime time.Time
	remove    func(string) error

	janitor   *janitor
	closeOnce sync.Once
}

var _ Store = (*store)(nil)

func newStore(opts Options) (*store, error) {
	if opts.Directory == "" {
		return nil, fmt.Errorf("filecache: directory is required")
	}
	if m := namespaceRe.FindString(opts.Namespace); m != "" {
		return nil, fmt.Errorf("filecache: namespace contains %q but only characters in [-+_.A-Za-z0-9] are allowed", m)
	}

	ns := coalesce(opts.Namespace, defaultNamespace)
	dir, err := filepath.Abs(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("filecache: resolve directory: %w", err)
	}
	root := filepath.Join(dir, ns)
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, fmt.Errorf("filecache: create directory: %w", err)
	}

	s := &store{
		root:     root,
		resolver: opts.Resolver,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		inv:      coalesce[Invalidator](opts.Invalidator, NopInvalidator{}),
		now:      opts.Now,
		remove:   os.Remove,
	}
	if s.resolver == nil {
		s.resolver = layout.NewHashed(root, ns)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.startTime = opts.StartTime
	if s.startTime.IsZero() {
		s.startTime = s.now()
	}

	s.literal = codec.LimitCodec[any]{Inner: codec.MustLiteral(true), MaxDecode: opts.MaxEntrySize}

	s.invalid = s.inv.Supported()
	if r, ok := s.inv.(EntryReader); ok && s.invalid {
		s.reader = r
	}

	if opts.PruneInterval > 0 {
		s.janitor = startJanitor(s, opts.PruneInterval)
	}
	return s, nil
}

func (s *store) Root() string         { return s.root }
func (s *store) StartTime() time.Time { return s.startTime }

func (s *store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.janitor != nil {
			s.janitor.stop()
		}
	})
	if c, ok := s.inv.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

func (s *store) Fetch(ctx context.Context, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	now := s.now().Unix()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := s.resolver.PathFor(id, false)
		if err != nil {
			s.log.Debug("fetch skipped (invalid key)", Fields{"key": id, "err": err})
			continue
		}
		expiresAt, lit, ok := s.load(path)
		if !ok || wire.Expired(expiresAt, now) {
			continue
		}
		v, err := codec.Decode(lit)
		if err != nil {
			s.log.Warn("fetch skipped (value decode)", Fields{"key": id, "path": path, "err": err})
			s.hooks.CorruptEntry(path, "value_decode")
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (s *store) Have(ctx context.Context, id string) bool {
	m, err := s.Fetch(ctx, []string{id})
	return err == nil && len(m) > 0
}

func (s *store) Save(ctx context.Context, values map[string]any, lifetime time.Duration) (bool, error) {
	ok := true
	expiresAt := s.expiresAt(lifetime)

	// stable order keeps batches reproducible in logs and tests
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var encodeErrs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		lit, err := codec.Encode(key, values[key])
		if err != nil {
			s.log.Warn("save rejected value", Fields{"key": key, "err": err})
			s.hooks.EncodeRejected(key, err)
			encodeErrs = append(encodeErrs, err)
			ok = false
			continue
		}
		if err := s.write(key, expiresAt, lit); err != nil {
			s.log.Warn("save write failed", Fields{"key": key, "err": err})
			s.hooks.WriteFailed(key, err)
			ok = false
		}
	}

	if !ok {
		if err := checkWritable(s.root); err != nil {
			return false, &CacheDirectoryNotWritableError{Directory: s.root, Err: err}
		}
	}
	return ok, errors.Join(encodeErrs...)
}

func (s *store) Delete(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return false
	}
	path, err := s.resolver.PathFor(id, false)
	if err != nil {
		s.log.Debug("delete skipped (invalid key)", Fields{"key": id, "err": err})
		return false
	}
	return s.unlink(path)
}

func (s *store) Prune(ctx context.Context) bool {
	now := s.now().Unix()
	pruned := true
	removed, failed := 0, 0

	err := s.walkEntries(ctx, func(path string, temp bool) {
		if temp {
			s.sweepTemp(path)
			return
		}
		expiresAt, err := s.expiry(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Debug("prune skipped unreadable entry", Fields{"path": path, "err": err})
			}
			return
		}
		if !wire.Expired(expiresAt, now) {
			return
		}
		if s.unlink(path) {
			removed++
		} else {
			failed++
			pruned = false
		}
	})
	if err != nil {
		s.log.Warn("prune walk stopped", Fields{"root": s.root, "err": err})
		pruned = false
	}

	s.hooks.PruneCompleted(removed, failed, pruned)
	s.log.Debug("prune finished", Fields{"removed": removed, "failed": failed, "ok": pruned})
	return pruned
}

func (s *store) Clear(ctx context.Context) bool {
	ok := true
	err := s.walkEntries(ctx, func(path string, temp bool) {
		if temp {
			s.sweepTemp(path)
			return
		}
		ok = s.unlink(path) && ok
	})
	if err != nil {
		s.log.Warn("clear walk stopped", Fields{"root": s.root, "err": err})
		return false
	}
	return ok
}

// load reads and parses the entry at path. Any failure means "not present".
func (s *store) load(path string) (expiresAt int64, lit any, ok bool) {
	raw, err := s.read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("entry unreadable", Fields{"path": path, "err": err})
		}
		return 0, nil, false
	}
	expiresAt, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		s.log.Debug("entry corrupt", Fields{"path": path, "err": err})
		s.hooks.CorruptEntry(path, "corrupt")
		return 0, nil, false
	}
	lit, err = s.literal.Decode(payload)
	if err != nil {
		s.log.Debug("entry literal undecodable", Fields{"path": path, "err": err})
		s.hooks.CorruptEntry(path, "literal_decode")
		return 0, nil, false
	}
	return expiresAt, lit, true
}

func (s *store) expiry(path string) (int64, error) {
	raw, err := s.read(path)
	if err != nil {
		return 0, err
	}
	exp, err := wire.ExpiresAt(raw)
	if err != nil {
		s.hooks.CorruptEntry(path, "corrupt")
		return 0, err
	}
	return exp, nil
}

func (s *store) read(path string) ([]byte, error) {
	if s.reader != nil {
		return s.reader.ReadEntry(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	return os.ReadFile(path)
}

// write stores one framed entry through a temp file in the target directory,
// dates it, then renames it into place so readers see all or nothing.
func (s *store) write(key string, expiresAt int64, lit any) error {
	payload, err := s.literal.Encode(lit)
	if err != nil {
		return fmt.Errorf("encode literal: %w", err)
	}
	path, err := s.resolver.PathFor(key, true)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), s.tempPattern())
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(wire.EncodeEntry(expiresAt, payload))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		mtime := s.startTime.Add(-backdate)
		err = os.Chtimes(tmpName, mtime, mtime)
	}
	if err != nil {
		_ = s.remove(tmpName)
		return err
	}

	// Invalidate on both sides of the rename: a copy cached from the old file
	// in between is dropped by the second call before Save returns.
	s.invalidate(path)
	if err := os.Rename(tmpName, path); err != nil {
		_ = s.remove(tmpName)
		return err
	}
	s.invalidate(path)
	return nil
}

func (s *store) invalidate(path string) {
	if s.invalid {
		s.inv.Invalidate(path)
	}
}

// unlink removes path and reports whether it is gone afterwards.
func (s *store) unlink(path string) bool {
	s.invalidate(path)
	if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("unlink failed", Fields{"path": path, "err": err})
		s.hooks.UnlinkFailed(path, err)
	}
	s.invalidate(path)
	_, err := os.Lstat(path)
	return errors.Is(err, fs.ErrNotExist)
}

// walkEntries calls fn for every regular file under root; temp reports a
// write temp file. Errors on single directories are logged and skipped;
// only ctx cancellation stops the walk.
func (s *store) walkEntries(ctx context.Context, fn func(path string, temp bool)) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if path == s.root {
				return err
			}
			s.log.Debug("walk skipped path", Fields{"path": path, "err": err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		fn(path, strings.HasPrefix(d.Name(), tempPrefix))
		return nil
	})
}

func (s *store) expiresAt(lifetime time.Duration) int64 {
	if lifetime <= 0 {
		return wire.Never
	}
	now := s.now().Unix()
	secs := int64((lifetime + time.Second - 1) / time.Second)
	if now > 0 && secs >= wire.Never-now {
		return wire.Never
	}
	return now + secs
}

// tempPattern names temp files after their creation second. The entry mtime
// is backdated before the rename, so the name is what tells a stale temp
// file from one still being written.
func (s *store) tempPattern() string {
	return tempPrefix + strconv.FormatInt(s.now().Unix(), 10) + "-*"
}

// sweepTemp removes a temp file left behind by a crashed writer.
func (s *store) sweepTemp(path string) {
	created, ok := tempCreated(filepath.Base(path))
	if !ok {
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		created = info.ModTime()
	}
	if s.now().Sub(created) < staleTempAge {
		return
	}
	if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("stale temp file not removed", Fields{"path": path, "err": err})
		return
	}
	s.log.Debug("removed stale temp file", Fields{"path": path})
}

func tempCreated(name string) (time.Time, bool) {
	rest := strings.TrimPrefix(name, tempPrefix)
	i := strings.IndexByte(rest, '-')
	if i <= 0 {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(rest[:i], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, tempPrefix+"check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
