// Package blobref hands out revocable references to materialized entry
// bytes. A reference stays valid until it is released, either one at a time
// or all at once when the archive behind it is replaced.
package blobref

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown or already released ids.
	ErrNotFound = errors.New("blob reference not found")
	// ErrBudgetExceeded is returned when an acquire would push outstanding
	// bytes past the registry budget.
	ErrBudgetExceeded = errors.New("blob budget exceeded")
)

// Ref describes a live reference. Data is never copied out of the registry
// except through Get.
type Ref struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Blob is a referenced payload.
type Blob struct {
	Ref
	Data []byte
}

// Stats is a point in time view of the registry.
type Stats struct {
	Live     int   `json:"live"`
	Bytes    int64 `json:"bytes"`
	Acquired int64 `json:"acquired_total"`
	Released int64 `json:"released_total"`
}

// Registry owns outstanding references. Safe for concurrent use.
type Registry struct {
	budget int64

	mu       sync.Mutex
	blobs    map[string]*Blob
	bytes    int64
	acquired int64
	released int64

	now func() time.Time
}

// New returns a registry that holds at most budget bytes. A budget <= 0 is
// unbounded.
func New(budget int64) *Registry {
	return &Registry{
		budget: budget,
		blobs:  make(map[string]*Blob),
		now:    time.Now,
	}
}

// Acquire stores data and returns its reference.
func (r *Registry) Acquire(name, contentType string, data []byte) (Ref, error) {
	size := int64(len(data))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.budget > 0 && r.bytes+size > r.budget {
		return Ref{}, fmt.Errorf("%w: %d outstanding + %d requested > %d", ErrBudgetExceeded, r.bytes, size, r.budget)
	}

	ref := Ref{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   r.now(),
	}
	r.blobs[ref.ID] = &Blob{Ref: ref, Data: data}
	r.bytes += size
	r.acquired++
	return ref, nil
}

// Get returns the blob behind id.
func (r *Registry) Get(id string) (*Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// Release drops one reference. Releasing twice returns ErrNotFound.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.blobs, id)
	r.bytes -= b.Size
	r.released++
	return nil
}

// ReleaseAll drops every outstanding reference and returns how many there were.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.blobs)
	r.blobs = make(map[string]*Blob)
	r.bytes = 0
	r.released += int64(n)
	return n
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Live: len(r.blobs), Bytes: r.bytes, Acquired: r.acquired, Released: r.released}
}
