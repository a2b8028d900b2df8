package filecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/filecache/internal/wire"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingHooks struct {
	NopHooks
	mu       sync.Mutex
	corrupt  []string
	rejected []string
	prunes   int
	unlinks  []string

	// last PruneCompleted arguments
	removed, failed int
	pruned          bool
}

func (h *recordingHooks) CorruptEntry(path, reason string) {
	h.mu.Lock()
	h.corrupt = append(h.corrupt, reason)
	h.mu.Unlock()
}

func (h *recordingHooks) EncodeRejected(key string, _ error) {
	h.mu.Lock()
	h.rejected = append(h.rejected, key)
	h.mu.Unlock()
}

func (h *recordingHooks) UnlinkFailed(path string, _ error) {
	h.mu.Lock()
	h.unlinks = append(h.unlinks, path)
	h.mu.Unlock()
}

func (h *recordingHooks) PruneCompleted(removed, failed int, ok bool) {
	h.mu.Lock()
	h.prunes++
	h.removed, h.failed, h.pruned = removed, failed, ok
	h.mu.Unlock()
}

type recordingInvalidator struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingInvalidator) Supported() bool { return true }
func (r *recordingInvalidator) Invalidate(p string) {
	r.mu.Lock()
	r.paths = append(r.paths, p)
	r.mu.Unlock()
}

func newTestStore(t *testing.T, clk *clock, mod func(*Options)) *store {
	t.Helper()
	opts := Options{
		Directory: t.TempDir(),
		Namespace: "test",
		Now:       clk.Now,
	}
	if mod != nil {
		mod(&opts)
	}
	s, err := newStore(opts)
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func countEntries(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return n
}

func TestSaveFetchMixedBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	ok, err := s.Save(ctx, map[string]any{"a": 42, "b": []int{1, 2, 3}, "c": nil}, 0)
	if !ok || err != nil {
		t.Fatalf("Save: ok=%v err=%v", ok, err)
	}

	got, err := s.Fetch(ctx, []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := map[string]any{"a": int64(42), "b": []any{int64(1), int64(2), int64(3)}, "c": nil}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
	if _, ok := got["d"]; ok {
		t.Fatalf("absent key returned")
	}
}

func TestFetchEmptyIDs(t *testing.T) {
	s := newTestStore(t, newClock(), nil)
	got, err := s.Fetch(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v %v", got, err)
	}
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := newTestStore(t, clk, nil)

	if ok, err := s.Save(ctx, map[string]any{"k": "v"}, 10*time.Second); !ok || err != nil {
		t.Fatalf("Save: %v %v", ok, err)
	}
	clk.Advance(9 * time.Second)
	if !s.Have(ctx, "k") {
		t.Fatalf("entry should be live before expiry")
	}
	clk.Advance(time.Second)
	if s.Have(ctx, "k") {
		t.Fatalf("entry should be expired at expiresAt")
	}
}

func TestSubSecondLifetimeRoundsUp(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := newTestStore(t, clk, nil)

	_, _ = s.Save(ctx, map[string]any{"k": 1}, 1500*time.Millisecond)
	clk.Advance(time.Second)
	if !s.Have(ctx, "k") {
		t.Fatalf("1.5s lifetime should survive 1s")
	}
	clk.Advance(time.Second)
	if s.Have(ctx, "k") {
		t.Fatalf("1.5s lifetime should be gone after 2s")
	}
}

func TestZeroLifetimeNeverExpires(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := newTestStore(t, clk, nil)

	_, _ = s.Save(ctx, map[string]any{"k": true}, 0)
	path, _ := s.resolver.PathFor("k", false)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	exp, err := wire.ExpiresAt(raw)
	if err != nil || exp != wire.Never {
		t.Fatalf("expiresAt=%d err=%v, want Never", exp, err)
	}

	clk.Advance(100 * 365 * 24 * time.Hour)
	if !s.Have(ctx, "k") {
		t.Fatalf("never-expiring entry expired")
	}
}

func TestEntryMtimeIsBackdated(t *testing.T) {
	clk := newClock()
	s := newTestStore(t, clk, nil)

	_, _ = s.Save(context.Background(), map[string]any{"k": "v"}, time.Minute)
	path, _ := s.resolver.PathFor("k", false)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	want := s.StartTime().Add(-10 * time.Second)
	if !info.ModTime().Equal(want) {
		t.Fatalf("mtime %v, want %v", info.ModTime(), want)
	}
}

func TestOverwriteReplacesEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	_, _ = s.Save(ctx, map[string]any{"k": "old"}, 0)
	_, _ = s.Save(ctx, map[string]any{"k": "new"}, 0)
	got, _ := s.Fetch(ctx, []string{"k"})
	if got["k"] != "new" {
		t.Fatalf("got %#v", got["k"])
	}
	if n := countEntries(t, s.Root()); n != 1 {
		t.Fatalf("want 1 file after overwrite, got %d", n)
	}
}

func TestNonSerializableDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	s := newTestStore(t, newClock(), func(o *Options) { o.Hooks = hooks })

	ok, err := s.Save(ctx, map[string]any{"bad": make(chan int), "good": "yes"}, 0)
	if ok {
		t.Fatalf("Save should report failure")
	}
	var nse *NonSerializableValueError
	if !errors.As(err, &nse) || nse.Key != "bad" {
		t.Fatalf("want NonSerializableValueError for bad, got %v", err)
	}
	if !s.Have(ctx, "good") {
		t.Fatalf("good key not written")
	}
	if s.Have(ctx, "bad") {
		t.Fatalf("bad key written")
	}
	if len(hooks.rejected) != 1 || hooks.rejected[0] != "bad" {
		t.Fatalf("EncodeRejected hook: %v", hooks.rejected)
	}
}

func TestUnhashableMapKeysAreRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	type pair struct{ A int }
	ok, err := s.Save(ctx, map[string]any{
		"struct": map[pair]int{{A: 1}: 1},
		"array":  map[[2]int]string{{1, 2}: "x"},
		"plain":  map[int]string{1: "x"},
	}, 0)
	if ok {
		t.Fatalf("Save should report failure")
	}
	var nse *NonSerializableValueError
	if !errors.As(err, &nse) {
		t.Fatalf("want NonSerializableValueError, got %v", err)
	}
	got, err := s.Fetch(ctx, []string{"struct", "array", "plain"})
	if err != nil || len(got) != 1 || got["plain"] == nil {
		t.Fatalf("Fetch: %#v %v", got, err)
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	ok, err := s.Save(ctx, map[string]any{"a/b": 1}, 0)
	if ok || err != nil {
		t.Fatalf("reserved key: ok=%v err=%v", ok, err)
	}
	if s.Delete(ctx, "") {
		t.Fatalf("empty key delete should fail")
	}
	got, err := s.Fetch(ctx, []string{"", "x{y}"})
	if err != nil || len(got) != 0 {
		t.Fatalf("Fetch invalid keys: %v %v", got, err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	_, _ = s.Save(ctx, map[string]any{"k": 1}, 0)
	if !s.Delete(ctx, "k") {
		t.Fatalf("Delete existing")
	}
	if s.Have(ctx, "k") {
		t.Fatalf("entry still present")
	}
	if !s.Delete(ctx, "k") {
		t.Fatalf("Delete of absent entry should report success")
	}
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := &recordingHooks{}
	s := newTestStore(t, clk, func(o *Options) { o.Hooks = hooks })

	_, _ = s.Save(ctx, map[string]any{"short1": 1, "short2": 2}, 5*time.Second)
	_, _ = s.Save(ctx, map[string]any{"long": 3}, time.Hour)
	_, _ = s.Save(ctx, map[string]any{"forever": 4}, 0)
	clk.Advance(10 * time.Second)

	if !s.Prune(ctx) {
		t.Fatalf("Prune reported failure")
	}
	if n := countEntries(t, s.Root()); n != 2 {
		t.Fatalf("want 2 entries after prune, got %d", n)
	}
	got, _ := s.Fetch(ctx, []string{"short1", "short2", "long", "forever"})
	if len(got) != 2 || got["long"] != int64(3) || got["forever"] != int64(4) {
		t.Fatalf("after prune got %#v", got)
	}

	if !s.Prune(ctx) {
		t.Fatalf("second Prune reported failure")
	}
	if n := countEntries(t, s.Root()); n != 2 {
		t.Fatalf("second prune removed live entries")
	}
	if hooks.prunes != 2 {
		t.Fatalf("PruneCompleted calls: %d", hooks.prunes)
	}
}

func TestPruneContinuesPastFailedRemoval(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := &recordingHooks{}
	s := newTestStore(t, clk, func(o *Options) { o.Hooks = hooks })

	_, _ = s.Save(ctx, map[string]any{"a": 1, "b": 2, "stuck": 3, "c": 4}, time.Second)
	_, _ = s.Save(ctx, map[string]any{"live": 5}, time.Hour)
	clk.Advance(5 * time.Second)

	stuck, _ := s.resolver.PathFor("stuck", false)
	s.remove = func(p string) error {
		if p == stuck {
			return os.ErrPermission
		}
		return os.Remove(p)
	}

	if s.Prune(ctx) {
		t.Fatalf("Prune should report the failed removal")
	}
	if hooks.removed != 3 || hooks.failed != 1 || hooks.pruned {
		t.Fatalf("PruneCompleted(%d, %d, %v), want (3, 1, false)", hooks.removed, hooks.failed, hooks.pruned)
	}
	if len(hooks.unlinks) != 1 || hooks.unlinks[0] != stuck {
		t.Fatalf("UnlinkFailed: %v", hooks.unlinks)
	}
	for _, k := range []string{"a", "b", "c"} {
		p, _ := s.resolver.PathFor(k, false)
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expired entry %q not removed: %v", k, err)
		}
	}
	if n := countEntries(t, s.Root()); n != 2 {
		t.Fatalf("want stuck and live left, got %d entries", n)
	}
	if !s.Have(ctx, "live") {
		t.Fatalf("live entry removed")
	}
}

func TestPruneRemovesStaleTempFiles(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := newTestStore(t, clk, nil)

	now := clk.Now()
	stale := filepath.Join(s.Root(), fmt.Sprintf("%s%d-abc", tempPrefix, now.Add(-2*time.Minute).Unix()))
	fresh := filepath.Join(s.Root(), fmt.Sprintf("%s%d-def", tempPrefix, now.Unix()))
	unnamed := filepath.Join(s.Root(), tempPrefix+"old")
	for _, p := range []string{stale, fresh, unnamed} {
		if err := os.WriteFile(p, []byte("partial"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	old := now.Add(-time.Hour)
	if err := os.Chtimes(unnamed, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if !s.Prune(ctx) {
		t.Fatalf("Prune reported failure")
	}
	for _, p := range []string{stale, unnamed} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s kept: %v", filepath.Base(p), err)
		}
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("in-flight temp file removed: %v", err)
	}

	// a write started now is not swept by a prune a few seconds later
	clk.Advance(10 * time.Second)
	if !s.Prune(ctx) {
		t.Fatalf("Prune reported failure")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("in-flight temp file removed: %v", err)
	}
}

func TestPruneSkipsForeignAndTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	junk := filepath.Join(s.Root(), "junk")
	tmp := filepath.Join(s.Root(), tempPrefix+"inflight")
	for _, p := range []string{junk, tmp} {
		if err := os.WriteFile(p, []byte("not an entry"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if !s.Prune(ctx) {
		t.Fatalf("Prune should skip unreadable files")
	}
	for _, p := range []string{junk, tmp} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s removed: %v", p, err)
		}
	}
}

func TestCorruptEntriesAreAbsent(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	s := newTestStore(t, newClock(), func(o *Options) { o.Hooks = hooks })

	_, _ = s.Save(ctx, map[string]any{"k": "value"}, 0)
	path, _ := s.resolver.PathFor("k", false)
	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Fetch(ctx, []string{"k"})
	if err != nil || len(got) != 0 {
		t.Fatalf("corrupt entry returned: %v %v", got, err)
	}
	if len(hooks.corrupt) != 1 || hooks.corrupt[0] != "corrupt" {
		t.Fatalf("CorruptEntry hook: %v", hooks.corrupt)
	}
}

func TestDirectoryAtEntryPathIsAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	path, _ := s.resolver.PathFor("k", true)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if s.Have(ctx, "k") {
		t.Fatalf("directory treated as entry")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	_, _ = s.Save(ctx, map[string]any{"a": 1, "b": 2, "c": 3}, 0)
	if !s.Clear(ctx) {
		t.Fatalf("Clear failed")
	}
	if n := countEntries(t, s.Root()); n != 0 {
		t.Fatalf("%d files left after Clear", n)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newClock()
	a := newTestStore(t, clk, func(o *Options) { o.Directory = dir; o.Namespace = "a" })
	b := newTestStore(t, clk, func(o *Options) { o.Directory = dir; o.Namespace = "b" })

	_, _ = a.Save(ctx, map[string]any{"k": "from-a"}, 0)
	if b.Have(ctx, "k") {
		t.Fatalf("namespace b sees a's entry")
	}
	if !strings.HasSuffix(a.Root(), string(filepath.Separator)+"a") {
		t.Fatalf("root %q", a.Root())
	}
}

func TestDefaultNamespaceAndValidation(t *testing.T) {
	s, err := newStore(Options{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if filepath.Base(s.Root()) != defaultNamespace {
		t.Fatalf("root %q", s.Root())
	}
	if _, err := newStore(Options{Directory: t.TempDir(), Namespace: "a/b"}); err == nil {
		t.Fatalf("namespace with slash accepted")
	}
	if _, err := newStore(Options{}); err == nil {
		t.Fatalf("missing directory accepted")
	}
}

func TestReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)
	if err := os.Chmod(s.Root(), 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(s.Root(), 0o755) })

	ok, err := s.Save(ctx, map[string]any{"k": 1}, 0)
	if ok {
		t.Fatalf("Save into read-only dir reported success")
	}
	var nw *CacheDirectoryNotWritableError
	if !errors.As(err, &nw) || nw.Directory != s.Root() {
		t.Fatalf("want CacheDirectoryNotWritableError, got %v", err)
	}
	if !strings.Contains(nw.Error(), "cache directory is not writable") {
		t.Fatalf("message %q", nw.Error())
	}
}

func TestSaveIntoReplacedRoot(t *testing.T) {
	ctx := context.Background()
	hooks := &recordingHooks{}
	s := newTestStore(t, newClock(), func(o *Options) { o.Hooks = hooks })

	// a regular file where the directory was fails for every user, root included
	if err := os.RemoveAll(s.Root()); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if err := os.WriteFile(s.Root(), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ok, err := s.Save(ctx, map[string]any{"k": 1}, 0)
	if ok {
		t.Fatalf("Save reported success")
	}
	var nw *CacheDirectoryNotWritableError
	if !errors.As(err, &nw) || nw.Directory != s.Root() {
		t.Fatalf("want CacheDirectoryNotWritableError, got %v", err)
	}
	if nw.Unwrap() == nil {
		t.Fatalf("missing cause")
	}
}

type presenceInvalidator struct {
	mu     sync.Mutex
	exists []bool
}

func (r *presenceInvalidator) Supported() bool { return true }
func (r *presenceInvalidator) Invalidate(p string) {
	_, err := os.Stat(p)
	r.mu.Lock()
	r.exists = append(r.exists, err == nil)
	r.mu.Unlock()
}

func TestInvalidationBracketsRenameAndRemove(t *testing.T) {
	ctx := context.Background()
	inv := &presenceInvalidator{}
	s := newTestStore(t, newClock(), func(o *Options) { o.Invalidator = inv })

	_, _ = s.Save(ctx, map[string]any{"k": 1}, 0)
	s.Delete(ctx, "k")

	inv.mu.Lock()
	defer inv.mu.Unlock()
	want := []bool{false, true, true, false}
	if !reflect.DeepEqual(inv.exists, want) {
		t.Fatalf("entry present at invalidations %v, want %v", inv.exists, want)
	}
}

func TestInvalidatorNotified(t *testing.T) {
	ctx := context.Background()
	inv := &recordingInvalidator{}
	s := newTestStore(t, newClock(), func(o *Options) { o.Invalidator = inv })

	_, _ = s.Save(ctx, map[string]any{"k": 1}, 0)
	path, _ := s.resolver.PathFor("k", false)
	s.Delete(ctx, "k")

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.paths) < 2 || inv.paths[0] != path || inv.paths[len(inv.paths)-1] != path {
		t.Fatalf("invalidations %v, want writes and unlink of %s", inv.paths, path)
	}
}

func TestJanitorPrunes(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	hooks := &recordingHooks{}
	s := newTestStore(t, clk, func(o *Options) {
		o.PruneInterval = 10 * time.Millisecond
		o.Hooks = hooks
	})

	_, _ = s.Save(ctx, map[string]any{"k": 1}, time.Second)
	clk.Advance(2 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for countEntries(t, s.Root()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not prune expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFetchCanceled(t *testing.T) {
	s := newTestStore(t, newClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Fetch(ctx, []string{"k"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

type profile struct {
	Name string `msgpack:"name"`
	Age  int    `msgpack:"age"`
}

func TestFetchAs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newClock(), nil)

	_, _ = s.Save(ctx, map[string]any{"p": profile{Name: "ann", Age: 30}, "n": 7}, 0)

	p, ok, err := FetchAs[profile](ctx, s, "p")
	if err != nil || !ok || p != (profile{Name: "ann", Age: 30}) {
		t.Fatalf("FetchAs profile: %+v %v %v", p, ok, err)
	}
	n, ok, err := FetchAs[int64](ctx, s, "n")
	if err != nil || !ok || n != 7 {
		t.Fatalf("FetchAs int64: %v %v %v", n, ok, err)
	}
	if _, ok, err := FetchAs[profile](ctx, s, "missing"); ok || err != nil {
		t.Fatalf("missing: %v %v", ok, err)
	}
}
