// internal/review/manager.go
//
// Manager owns the review sessions of the server. A session holds one
// verified archive at a time plus the blob references and preview derived
// from it. Sessions are bounded in number (least recently used is evicted)
// and closed after an idle period by the reaper loop.
package review

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/buildgate/internal/archive"
	"github.com/keithlinneman/buildgate/internal/log"
)

const (
	DefaultMaxSessions = 64
	DefaultIdleTTL     = 30 * time.Minute
	DefaultBlobBudget  = 256 << 20

	// close reasons reported to Metrics
	ReasonClosed  = "closed"
	ReasonEvicted = "evicted"
	ReasonExpired = "expired"
	ReasonStopped = "shutdown"
)

// ErrSessionNotFound is returned for unknown or already closed session ids.
var ErrSessionNotFound = errors.New("review: session not found")

// Metrics is implemented by the metrics package.
type Metrics interface {
	SessionOpened()
	SessionClosed(reason string)
	ArchiveLoaded(format string, sizeBytes int64)
	Materialized(kind string)
	StaleResult()
}

// Options configures a Manager. Verifier is required.
type Options struct {
	Verifier    *archive.Verifier
	Logger      log.Logger
	Metrics     Metrics
	MaxSessions int
	IdleTTL     time.Duration
	// BlobBudget bounds outstanding blob bytes per session.
	BlobBudget int64
	// ReapInterval defaults to a quarter of IdleTTL, capped at one minute.
	ReapInterval time.Duration
	Now          func() time.Time
}

// OpenRequest describes the archive a session starts with.
type OpenRequest struct {
	AppID     string
	VerifyKey string
	Data      []byte
	// Source is recorded for display, typically the storage reference.
	Source string
}

type Manager struct {
	opts   Options
	logger log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.BlobBudget <= 0 {
		opts.BlobBudget = DefaultBlobBudget
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = min(opts.IdleTTL/4, time.Minute)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Open verifies the request's archive and starts a session around it.
// Verification failures are returned unchanged as *archive.Error.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	res, err := m.opts.Verifier.Verify(ctx, req.Data, req.AppID, req.VerifyKey)
	if err != nil {
		return nil, err
	}

	s := newSession(uuid.NewString(), req.AppID, req.VerifyKey, m.opts.Verifier, m.opts.BlobBudget, m.logger, m.opts.Metrics, m.opts.Now)
	if err := s.install(ctx, res, req.Source); err != nil {
		return nil, err
	}

	var evicted *Session
	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		evicted = m.oldestLocked()
		delete(m.sessions, evicted.id)
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	if evicted != nil {
		m.closeSession(ctx, evicted, ReasonEvicted)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionOpened()
	}
	m.logger.Info(ctx, "review session opened", "session_id", s.id, "app_id", req.AppID, "source", req.Source)
	return s, nil
}

func (m *Manager) oldestLocked() *Session {
	var oldest *Session
	for _, s := range m.sessions {
		if oldest == nil || s.lastAccess.Load() < oldest.lastAccess.Load() {
			oldest = s
		}
	}
	return oldest
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close ends the session with id and releases its archive.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.closeSession(ctx, s, ReasonClosed)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List reports every live session, most recently used first. Sessions
// closed while the list is built are left out.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		if info, err := s.Info(); err == nil {
			out = append(out, info)
		}
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := b.LastAccess.Compare(a.LastAccess); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Reap closes sessions idle for longer than the TTL and returns how many.
func (m *Manager) Reap(ctx context.Context) int {
	cutoff := m.opts.Now().Add(-m.opts.IdleTTL).UnixNano()

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.lastAccess.Load() < cutoff {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.closeSession(ctx, s, ReasonExpired)
	}
	return len(expired)
}

// Run reaps idle sessions until ctx is cancelled, then closes every
// remaining session. Intended to be launched as: go manager.Run(ctx)
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info(ctx, "review session reaper starting",
		"interval", m.opts.ReapInterval.String(),
		"idle_ttl", m.opts.IdleTTL.String(),
		"max_sessions", m.opts.MaxSessions,
	)
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n := m.CloseAll(context.WithoutCancel(ctx))
			m.logger.Info(ctx, "review session reaper stopping", "reason", ctx.Err(), "closed", n)
			return ctx.Err()
		case <-ticker.C:
			if n := m.Reap(ctx); n > 0 {
				m.logger.Debug(ctx, "reaped idle review sessions", "count", n)
			}
		}
	}
}

// CloseAll closes every session and returns how many were open.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.closeSession(ctx, s, ReasonStopped)
	}
	return len(all)
}

func (m *Manager) closeSession(ctx context.Context, s *Session, reason string) {
	s.close()
	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionClosed(reason)
	}
	m.logger.Info(ctx, "review session closed", "session_id", s.id, "reason", reason)
}
