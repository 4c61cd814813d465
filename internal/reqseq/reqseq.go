// Package reqseq discards responses that arrive after a newer request for
// the same view was issued.
package reqseq

import "sync"

// Tag identifies one request. Tags are only comparable within the Tracker
// that issued them.
type Tag struct {
	Seq uint64
	Key string
}

// Tracker issues monotonically increasing tags. Only the most recently
// issued tag is latest; Invalidate makes every issued tag stale.
type Tracker struct {
	mu   sync.Mutex
	seq  uint64
	last Tag
	live bool
}

// Issue returns a new tag for key, superseding all earlier tags.
func (t *Tracker) Issue(key string) Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.last = Tag{Seq: t.seq, Key: key}
	t.live = true
	return t.last
}

// IsLatest reports whether tag is the most recent tag and not invalidated.
func (t *Tracker) IsLatest(tag Tag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live && tag == t.last
}

// Invalidate marks every issued tag stale.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.live = false
}

// Slot holds the currently displayed value of a view and releases values
// that are replaced or arrive stale.
type Slot[T any] struct {
	tracker Tracker
	release func(T)

	mu    sync.Mutex
	cur   T
	set   bool
	curTg Tag
}

// NewSlot returns an empty slot. release may be nil.
func NewSlot[T any](release func(T)) *Slot[T] {
	if release == nil {
		release = func(T) {}
	}
	return &Slot[T]{release: release}
}

// Begin starts a request for key. The current value stays visible until a
// newer value settles.
func (s *Slot[T]) Begin(key string) Tag {
	return s.tracker.Issue(key)
}

// Settle stores v if tag is still latest, releasing the value it replaces.
// Otherwise v is released and Settle returns false.
func (s *Slot[T]) Settle(tag Tag, v T) bool {
	return s.SettleIf(tag, v, nil)
}

// SettleIf is Settle with an extra condition checked under the slot lock,
// so it cannot interleave with Reset.
func (s *Slot[T]) SettleIf(tag Tag, v T, cond func() bool) bool {
	s.mu.Lock()
	if !s.tracker.IsLatest(tag) || (cond != nil && !cond()) {
		s.mu.Unlock()
		s.release(v)
		return false
	}
	prev, hadPrev := s.cur, s.set
	s.cur, s.set, s.curTg = v, true, tag
	s.mu.Unlock()

	if hadPrev {
		s.release(prev)
	}
	return true
}

// Current returns the displayed value and the tag it settled under.
func (s *Slot[T]) Current() (T, Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, s.curTg, s.set
}

// Reset invalidates outstanding requests and releases the current value.
func (s *Slot[T]) Reset() {
	s.mu.Lock()
	s.tracker.Invalidate()
	prev, hadPrev := s.cur, s.set
	var zero T
	s.cur, s.set, s.curTg = zero, false, Tag{}
	s.mu.Unlock()

	if hadPrev {
		s.release(prev)
	}
}
