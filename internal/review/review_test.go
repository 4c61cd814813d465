package review

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/blobref"
)

const (
	appID     = "com.example.app"
	verifyKey = "vk-1"
	manifest  = `{"app_id":"com.example.app","verify_key":"vk-1"}`
	pngBytes  = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00"
)

func buildZip(t *testing.T, kv ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i+1 < len(kv); i += 2 {
		w, err := zw.Create(kv[i])
		if err != nil {
			t.Fatalf("create %s: %v", kv[i], err)
		}
		if _, err := w.Write([]byte(kv[i+1])); err != nil {
			t.Fatalf("write %s: %v", kv[i], err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func buildV1(t *testing.T) []byte {
	return buildZip(t, "loopsync.json", manifest, "src/app.js", "v1", "img/logo.png", pngBytes)
}

func buildV2(t *testing.T) []byte {
	return buildZip(t, "loopsync.json", manifest, "src/app.js", "v2", "src/extra.js", "x")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeMetrics struct {
	mu     sync.Mutex
	opened int
	closed map[string]int
	loaded int
	kinds  map[string]int
	staleN int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{closed: map[string]int{}, kinds: map[string]int{}}
}

func (f *fakeMetrics) SessionOpened()              { f.mu.Lock(); f.opened++; f.mu.Unlock() }
func (f *fakeMetrics) SessionClosed(reason string) { f.mu.Lock(); f.closed[reason]++; f.mu.Unlock() }
func (f *fakeMetrics) ArchiveLoaded(string, int64) { f.mu.Lock(); f.loaded++; f.mu.Unlock() }
func (f *fakeMetrics) Materialized(kind string)    { f.mu.Lock(); f.kinds[kind]++; f.mu.Unlock() }
func (f *fakeMetrics) StaleResult()                { f.mu.Lock(); f.staleN++; f.mu.Unlock() }

func newTestManager(t *testing.T, maxSessions int) (*Manager, *fakeClock, *fakeMetrics) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	metrics := newFakeMetrics()
	m := NewManager(Options{
		Verifier:    archive.NewVerifier("", archive.Limits{}),
		Metrics:     metrics,
		MaxSessions: maxSessions,
		IdleTTL:     10 * time.Minute,
		Now:         clock.Now,
	})
	t.Cleanup(func() { m.CloseAll(context.Background()) })
	return m, clock, metrics
}

func openSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Open(t.Context(), OpenRequest{AppID: appID, VerifyKey: verifyKey, Data: buildV1(t), Source: "s3://b/v1.zip"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpen_VerifiesArchive(t *testing.T) {
	m, _, metrics := newTestManager(t, 4)

	_, err := m.Open(t.Context(), OpenRequest{AppID: "com.other", VerifyKey: verifyKey, Data: buildV1(t)})
	if archive.KindOf(err) != archive.KindAppIDMismatch {
		t.Fatalf("want app id mismatch, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("failed verification must not create a session")
	}

	s := openSession(t, m)
	info, err := s.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Generation != 1 || info.Files != 3 || info.Source != "s3://b/v1.zip" || info.Format != archive.FormatZip {
		t.Fatalf("Info = %+v", info)
	}
	got, err := m.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("Get: %v", err)
	}
	if metrics.opened != 1 || metrics.loaded != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestMaterialize_TextAndImage(t *testing.T) {
	m, _, metrics := newTestManager(t, 4)
	s := openSession(t, m)

	p, err := s.Materialize(t.Context(), "src/app.js")
	if err != nil {
		t.Fatalf("Materialize text: %v", err)
	}
	if p.Kind != archive.ContentText || p.Text != "v1" || p.Blob != nil {
		t.Fatalf("text preview = %+v", p)
	}

	img, err := s.Materialize(t.Context(), "img/logo.png")
	if err != nil {
		t.Fatalf("Materialize image: %v", err)
	}
	if img.Kind != archive.ContentImage || img.Blob == nil || img.MIME != "image/png" {
		t.Fatalf("image preview = %+v", img)
	}
	b, err := s.Blob(img.Blob.ID)
	if err != nil || string(b.Data) != pngBytes {
		t.Fatalf("Blob: %v", err)
	}

	// the next settled preview releases the previous blob
	if _, err := s.Materialize(t.Context(), "src/app.js"); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := s.Blob(img.Blob.ID); !errors.Is(err, blobref.ErrNotFound) {
		t.Fatalf("previous blob should be released, got %v", err)
	}
	if metrics.kinds["text"] != 2 || metrics.kinds["image"] != 1 {
		t.Fatalf("materialized = %v", metrics.kinds)
	}

	_, err = s.Materialize(t.Context(), "src")
	if archive.KindOf(err) != archive.KindEntryNotFound {
		t.Fatalf("folder path: want entry_not_found, got %v", err)
	}
}

func TestReplace_SwapsArchiveAndReleases(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	s := openSession(t, m)

	img, err := s.Materialize(t.Context(), "img/logo.png")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if err := s.Replace(t.Context(), buildV2(t), "s3://b/v2.zip"); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if s.Generation() != 2 {
		t.Fatalf("Generation = %d", s.Generation())
	}
	if _, err := s.Blob(img.Blob.ID); !errors.Is(err, blobref.ErrNotFound) {
		t.Fatalf("blob from previous archive survived: %v", err)
	}
	if _, ok := s.Preview(); ok {
		t.Fatal("preview should be cleared on replace")
	}
	forest, gen, err := s.Tree()
	if err != nil || gen != 2 || archive.Find(forest, "src/extra.js") == nil || archive.Find(forest, "img") != nil {
		t.Fatalf("Tree after replace: gen=%d err=%v", gen, err)
	}
	p, err := s.Materialize(t.Context(), "src/app.js")
	if err != nil || p.Text != "v2" || p.Generation != 2 {
		t.Fatalf("Materialize after replace: %v %+v", err, p)
	}
}

func TestReplace_FailureKeepsCurrentArchive(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	s := openSession(t, m)

	bad := buildZip(t, "dist/loopsync.json", manifest)
	err := s.Replace(t.Context(), bad, "s3://b/bad.zip")
	if archive.KindOf(err) != archive.KindMisplacedManifest {
		t.Fatalf("want misplaced manifest, got %v", err)
	}
	if s.Generation() != 1 {
		t.Fatalf("Generation = %d", s.Generation())
	}
	if p, err := s.Materialize(t.Context(), "src/app.js"); err != nil || p.Text != "v1" {
		t.Fatalf("original archive unusable: %v", err)
	}
}

// replaceOnFirstErr runs hook the first time Err is consulted, which lands
// in the middle of an entry read.
type replaceOnFirstErr struct {
	context.Context
	once sync.Once
	hook func()
}

func (c *replaceOnFirstErr) Err() error {
	c.once.Do(c.hook)
	return c.Context.Err()
}

func TestMaterialize_StaleAfterReplace(t *testing.T) {
	m, _, metrics := newTestManager(t, 4)
	s := openSession(t, m)

	ctx := &replaceOnFirstErr{Context: t.Context()}
	ctx.hook = func() {
		if err := s.Replace(context.Background(), buildV2(t), "s3://b/v2.zip"); err != nil {
			t.Errorf("Replace: %v", err)
		}
	}

	_, err := s.Materialize(ctx, "img/logo.png")
	if !errors.Is(err, ErrStale) {
		t.Fatalf("want ErrStale, got %v", err)
	}
	if st := s.blobs.Stats(); st.Live != 0 {
		t.Fatalf("stale result leaked a blob: %+v", st)
	}
	if metrics.staleN != 1 {
		t.Fatalf("stale count = %d", metrics.staleN)
	}
}

func TestMaterialize_StaleAfterNewerRequest(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	s := openSession(t, m)

	ctx := &replaceOnFirstErr{Context: t.Context()}
	ctx.hook = func() {
		if _, err := s.Materialize(context.Background(), "src/app.js"); err != nil {
			t.Errorf("inner Materialize: %v", err)
		}
	}

	_, err := s.Materialize(ctx, "img/logo.png")
	if !errors.Is(err, ErrStale) {
		t.Fatalf("want ErrStale, got %v", err)
	}
	p, ok := s.Preview()
	if !ok || p.Path != "src/app.js" {
		t.Fatalf("preview = %+v", p)
	}
	if st := s.blobs.Stats(); st.Live != 0 {
		t.Fatalf("stale image blob leaked: %+v", st)
	}
}

func TestMaterialize_ConcurrentWithReplace(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	s := openSession(t, m)
	next := buildZip(t, "loopsync.json", manifest, "img/logo.png", pngBytes, "src/app.js", "v2")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := s.Materialize(context.Background(), "img/logo.png"); err != nil && !errors.Is(err, ErrStale) {
					t.Errorf("Materialize: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		if err := s.Replace(context.Background(), next, "s3://b/v2.zip"); err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}
	wg.Wait()

	live := s.blobs.Stats().Live
	p, ok := s.Preview()
	switch {
	case !ok:
		if live != 0 {
			t.Fatalf("no preview but %d live blobs", live)
		}
	case p.Generation != s.Generation():
		t.Fatalf("preview generation %d, session at %d", p.Generation, s.Generation())
	case live != 1:
		t.Fatalf("live blobs = %d, want exactly the preview's", live)
	default:
		if _, err := s.Blob(p.Blob.ID); err != nil {
			t.Fatalf("settled preview points at a released blob: %v", err)
		}
	}
}

func TestManager_EvictsLeastRecentlyUsed(t *testing.T) {
	m, clock, metrics := newTestManager(t, 2)

	a := openSession(t, m)
	clock.Advance(time.Second)
	b := openSession(t, m)
	clock.Advance(time.Second)
	if _, _, err := a.Tree(); err != nil {
		t.Fatalf("Tree: %v", err)
	}
	clock.Advance(time.Second)

	c := openSession(t, m)
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}
	if _, err := m.Get(b.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("least recently used session should be evicted")
	}
	if _, err := m.Get(a.ID()); err != nil {
		t.Fatal("recently used session evicted")
	}
	if _, err := m.Get(c.ID()); err != nil {
		t.Fatal("new session missing")
	}
	if _, _, err := b.Tree(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("evicted session should be closed, got %v", err)
	}
	if metrics.closed[ReasonEvicted] != 1 {
		t.Fatalf("closed = %v", metrics.closed)
	}
}

func TestManager_ReapAndClose(t *testing.T) {
	m, clock, metrics := newTestManager(t, 4)

	idle := openSession(t, m)
	clock.Advance(8 * time.Minute)
	active := openSession(t, m)
	clock.Advance(3 * time.Minute)

	if n := m.Reap(t.Context()); n != 1 {
		t.Fatalf("Reap = %d, want 1", n)
	}
	if _, err := m.Get(idle.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("idle session survived reap")
	}

	if err := m.Close(t.Context(), active.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(t.Context(), active.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := active.Materialize(t.Context(), "src/app.js"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Materialize on closed session: %v", err)
	}
	if err := active.Replace(t.Context(), buildV2(t), "x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Replace on closed session: %v", err)
	}
	if metrics.closed[ReasonExpired] != 1 || metrics.closed[ReasonClosed] != 1 {
		t.Fatalf("closed = %v", metrics.closed)
	}
}

func TestManager_RunClosesOnShutdown(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	openSession(t, m)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if m.Len() != 0 {
		t.Fatalf("Len after shutdown = %d", m.Len())
	}
}

func TestManager_ListMostRecentFirst(t *testing.T) {
	m, clock, _ := newTestManager(t, 4)
	if got := m.List(); len(got) != 0 {
		t.Fatalf("List on empty manager = %v", got)
	}

	a := openSession(t, m)
	clock.Advance(time.Second)
	b := openSession(t, m)
	clock.Advance(time.Second)
	if _, _, err := a.Tree(); err != nil {
		t.Fatalf("Tree: %v", err)
	}

	got := m.List()
	if len(got) != 2 || got[0].ID != a.ID() || got[1].ID != b.ID() {
		t.Fatalf("List order = %+v", got)
	}
	if got[0].AppID != appID || got[0].Files != 3 {
		t.Fatalf("List[0] = %+v", got[0])
	}

	if err := m.Close(t.Context(), a.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := m.List(); len(got) != 1 || got[0].ID != b.ID() {
		t.Fatalf("List after close = %+v", got)
	}
}
