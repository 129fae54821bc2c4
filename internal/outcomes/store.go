// Package outcomes holds the per-provider bounded windows of recent
// outcome records.
//
// Each provider owns one fixed-capacity ring buffer guarded by its own
// RWMutex, so writers for different providers never block each other. The
// provider map itself is guarded separately and only write-locked when a
// provider is first seen.
package outcomes

import (
	"fmt"
	"sync"
	"time"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// DefaultCapacity is the default number of records kept per provider
const DefaultCapacity = 1000

// Invalidator is notified after a provider's window changes
type Invalidator interface {
	Invalidate(key string)
}

// Store is a concurrency-safe set of per-provider outcome windows
type Store struct {
	mu      sync.RWMutex
	windows map[types.ProviderID]*window
	order   []types.ProviderID

	capacity    int
	invalidator Invalidator
	now         func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithInvalidator registers a callback target for window changes
func WithInvalidator(inv Invalidator) Option {
	return func(s *Store) { s.invalidator = inv }
}

// WithClock overrides the clock used for registration timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store whose windows hold at most capacity records.
// A non-positive capacity falls back to DefaultCapacity.
func NewStore(capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{
		windows:  make(map[types.ProviderID]*window),
		order:    make([]types.ProviderID, 0),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the per-provider window capacity
func (s *Store) Capacity() int {
	return s.capacity
}

// Ensure creates an empty window for id if none exists. It reports whether
// a window was created.
func (s *Store) Ensure(id types.ProviderID) bool {
	_, created := s.windowFor(id)
	return created
}

// Has reports whether id has a window
func (s *Store) Has(id types.ProviderID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.windows[id]
	return ok
}

// Append validates rec and appends it to id's window, evicting the oldest
// record when the window is full. Unknown providers get a new window; the
// returned bool reports whether that happened.
func (s *Store) Append(id types.ProviderID, rec types.OutcomeRecord) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: empty provider id", types.ErrMalformedRecord)
	}
	if err := rec.Validate(); err != nil {
		return false, err
	}

	w, created := s.windowFor(id)
	w.push(rec)

	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}
	return created, nil
}

// Window returns a copy of id's records, oldest first
func (s *Store) Window(id types.ProviderID) ([]types.OutcomeRecord, bool) {
	s.mu.RLock()
	w, ok := s.windows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return w.snapshot(), true
}

// Len returns the number of records currently held for id
func (s *Store) Len(id types.ProviderID) int {
	s.mu.RLock()
	w, ok := s.windows[id]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.len()
}

// RegisteredAt returns when id's window was created
func (s *Store) RegisteredAt(id types.ProviderID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[id]
	if !ok {
		return time.Time{}, false
	}
	return w.createdAt, true
}

// Providers returns all provider IDs in the order they were first seen
func (s *Store) Providers() []types.ProviderID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.ProviderID, len(s.order))
	copy(ids, s.order)
	return ids
}

func (s *Store) windowFor(id types.ProviderID) (*window, bool) {
	s.mu.RLock()
	w, ok := s.windows[id]
	s.mu.RUnlock()
	if ok {
		return w, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[id]; ok {
		return w, false
	}
	w = newWindow(s.capacity, s.now())
	s.windows[id] = w
	s.order = append(s.order, id)
	return w, true
}

// window is a fixed-capacity FIFO ring buffer
type window struct {
	mu        sync.RWMutex
	buf       []types.OutcomeRecord
	head      int // index of the oldest record
	size      int
	createdAt time.Time
}

func newWindow(capacity int, createdAt time.Time) *window {
	return &window{
		buf:       make([]types.OutcomeRecord, capacity),
		createdAt: createdAt,
	}
}

func (w *window) push(rec types.OutcomeRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	capacity := len(w.buf)
	if w.size < capacity {
		w.buf[(w.head+w.size)%capacity] = rec
		w.size++
		return
	}
	// Full: overwrite the oldest slot and advance head.
	w.buf[w.head] = rec
	w.head = (w.head + 1) % capacity
}

func (w *window) snapshot() []types.OutcomeRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.OutcomeRecord, w.size)
	capacity := len(w.buf)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%capacity]
	}
	return out
}

func (w *window) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}
