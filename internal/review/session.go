package review

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/blobref"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/reqseq"
)

var (
	// ErrStale is returned for a materialization that finished after a newer
	// request or a replacement of the archive.
	ErrStale = errors.New("review: result superseded by a newer request")
	// ErrSessionClosed is returned by every call on a closed session.
	ErrSessionClosed = errors.New("review: session closed")
)

// loaded is one generation of a session's archive. Never mutated after
// it is published.
type loaded struct {
	gen      uint64
	handle   *archive.Handle
	manifest archive.Manifest
	forest   []*archive.Node
	files    int
	source   string
	loadedAt time.Time
}

// Preview is the settled result of a materialization. Text entries carry
// Text; image and binary entries carry a blob reference that stays valid
// until the next preview settles or the archive is replaced.
type Preview struct {
	Generation uint64
	Name       string
	Path       string
	Kind       archive.ContentKind
	MIME       string
	Size       int64
	Text       string
	Blob       *blobref.Ref
}

// Info summarizes a session for listing and status endpoints.
type Info struct {
	ID         string         `json:"id"`
	AppID      string         `json:"app_id"`
	Generation uint64         `json:"generation"`
	Source     string         `json:"source,omitempty"`
	Digest     string         `json:"sha256"`
	Format     archive.Format `json:"format"`
	SizeBytes  int64          `json:"size_bytes"`
	Files      int            `json:"files"`
	LoadedAt   time.Time      `json:"loaded_at"`
	LastAccess time.Time      `json:"last_access"`
	Blobs      blobref.Stats  `json:"blobs"`
}

// Session owns the archive under review and everything derived from it.
type Session struct {
	id        string
	appID     string
	verifyKey string

	verifier *archive.Verifier
	blobs    *blobref.Registry
	preview  *reqseq.Slot[*Preview]
	logger   log.Logger
	metrics  Metrics
	now      func() time.Time

	// serializes Replace and Close; readers only load active
	loadMu sync.Mutex
	gen    atomic.Uint64
	active atomic.Pointer[loaded]

	lastAccess atomic.Int64
}

func newSession(id, appID, verifyKey string, v *archive.Verifier, blobBudget int64, logger log.Logger, metrics Metrics, now func() time.Time) *Session {
	s := &Session{
		id:        id,
		appID:     appID,
		verifyKey: verifyKey,
		verifier:  v,
		blobs:     blobref.New(blobBudget),
		logger:    logger.With("session_id", id, "app_id", appID),
		metrics:   metrics,
		now:       now,
	}
	s.preview = reqseq.NewSlot(s.releasePreview)
	s.touch()
	return s
}

func (s *Session) ID() string    { return s.id }
func (s *Session) AppID() string { return s.appID }

func (s *Session) touch() { s.lastAccess.Store(s.now().UnixNano()) }

// LastAccess is the time of the most recent call on the session.
func (s *Session) LastAccess() time.Time { return time.Unix(0, s.lastAccess.Load()) }

// Generation counts archive loads. It starts at 1 for the opening archive.
func (s *Session) Generation() uint64 { return s.gen.Load() }

func (s *Session) current() (*loaded, error) {
	l := s.active.Load()
	if l == nil {
		return nil, ErrSessionClosed
	}
	return l, nil
}

// Replace verifies data against the session's app binding and makes it the
// active archive. On failure the current archive stays active. On success
// every outstanding blob reference is released, the preview is cleared and
// the previous handle is closed.
func (s *Session) Replace(ctx context.Context, data []byte, source string) error {
	s.touch()
	if s.active.Load() == nil {
		return ErrSessionClosed
	}
	res, err := s.verifier.Verify(ctx, data, s.appID, s.verifyKey)
	if err != nil {
		return err
	}
	return s.install(ctx, res, source)
}

func (s *Session) install(ctx context.Context, res *archive.Verified, source string) error {
	forest := archive.BuildTree(res.Handle.Entries())

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	prev := s.active.Load()
	if prev == nil && s.gen.Load() > 0 {
		// closed while verifying
		_ = res.Handle.Close()
		return ErrSessionClosed
	}

	next := &loaded{
		gen:      s.gen.Add(1),
		handle:   res.Handle,
		manifest: res.Manifest,
		forest:   forest,
		files:    archive.CountFiles(forest),
		source:   source,
		loadedAt: s.now(),
	}
	s.active.Store(next)

	released := 0
	if prev != nil {
		// reset before release so no settle lands on a released blob
		released = s.blobs.Stats().Live
		s.preview.Reset()
		s.blobs.ReleaseAll()
		_ = prev.handle.Close()
	}

	s.logger.Info(ctx, "review archive loaded",
		"generation", next.gen,
		"source", source,
		"digest", res.Handle.Digest(),
		"format", string(res.Handle.Format()),
		"files", next.files,
		"released_blobs", released,
	)
	if s.metrics != nil {
		s.metrics.ArchiveLoaded(string(res.Handle.Format()), res.Handle.Size())
	}
	return nil
}

// Tree returns the forest of the active archive and its generation.
func (s *Session) Tree() ([]*archive.Node, uint64, error) {
	s.touch()
	l, err := s.current()
	if err != nil {
		return nil, 0, err
	}
	return l.forest, l.gen, nil
}

// Manifest returns the verified manifest of the active archive.
func (s *Session) Manifest() (archive.Manifest, error) {
	l, err := s.current()
	if err != nil {
		return archive.Manifest{}, err
	}
	return l.manifest, nil
}

// Materialize opens the file at path and settles it as the session's
// preview. A result that is no longer wanted when it completes is released
// and reported as ErrStale.
func (s *Session) Materialize(ctx context.Context, path string) (*Preview, error) {
	s.touch()
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	tag := s.preview.Begin(path)

	node := archive.Find(l.forest, path)
	if node == nil || node.Kind != archive.NodeFile {
		return nil, &archive.Error{Kind: archive.KindEntryNotFound, Path: path}
	}

	m, err := archive.Open(ctx, l.handle, node)
	if err != nil {
		if s.gen.Load() != l.gen {
			s.stale(ctx, path)
			return nil, ErrStale
		}
		return nil, err
	}

	p := &Preview{
		Generation: l.gen,
		Name:       m.Name,
		Path:       node.Path,
		Kind:       m.Kind,
		MIME:       m.MIME,
		Size:       m.Size,
		Text:       m.Text,
	}
	if m.Kind != archive.ContentText {
		ref, err := s.blobs.Acquire(node.Path, m.MIME, m.Data)
		if err != nil {
			return nil, err
		}
		p.Blob = &ref
	}

	current := func() bool { return s.gen.Load() == l.gen }
	if !s.preview.SettleIf(tag, p, current) {
		s.stale(ctx, path)
		return nil, ErrStale
	}
	if s.metrics != nil {
		s.metrics.Materialized(string(m.Kind))
	}
	return p, nil
}

func (s *Session) stale(ctx context.Context, path string) {
	s.logger.Debug(ctx, "discarding stale materialization", "path", path)
	if s.metrics != nil {
		s.metrics.StaleResult()
	}
}

func (s *Session) releasePreview(p *Preview) {
	if p != nil && p.Blob != nil {
		// already gone after ReleaseAll
		_ = s.blobs.Release(p.Blob.ID)
	}
}

// Preview returns the currently settled preview, if any.
func (s *Session) Preview() (*Preview, bool) {
	p, _, ok := s.preview.Current()
	return p, ok
}

// Blob returns a live blob reference owned by this session.
func (s *Session) Blob(id string) (*blobref.Blob, error) {
	s.touch()
	if s.active.Load() == nil {
		return nil, ErrSessionClosed
	}
	return s.blobs.Get(id)
}

// Release drops one blob reference.
func (s *Session) Release(id string) error {
	s.touch()
	if s.active.Load() == nil {
		return ErrSessionClosed
	}
	return s.blobs.Release(id)
}

// Info reports the session state.
func (s *Session) Info() (Info, error) {
	l, err := s.current()
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:         s.id,
		AppID:      s.appID,
		Generation: l.gen,
		Source:     l.source,
		Digest:     l.handle.Digest(),
		Format:     l.handle.Format(),
		SizeBytes:  l.handle.Size(),
		Files:      l.files,
		LoadedAt:   l.loadedAt,
		LastAccess: s.LastAccess(),
		Blobs:      s.blobs.Stats(),
	}, nil
}

// close releases everything the session owns. Safe to call more than once.
func (s *Session) close() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	l := s.active.Swap(nil)
	if l == nil {
		return
	}
	s.blobs.ReleaseAll()
	s.preview.Reset()
	_ = l.handle.Close()
}
