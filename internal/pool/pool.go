// Package pool tracks in-flight agents. It is the only authority for agent
// presence: supervisors register before their first stream read and release
// through a guaranteed exit path.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolFull is returned when registering would exceed the concurrency cap.
var ErrPoolFull = errors.New("agent pool at capacity")

// ErrNotFound is returned when an agent id is not registered.
var ErrNotFound = errors.New("agent not found")

// AbortHandle is a cooperative abort signal shared between the pool and the
// supervisor that owns a dispatch. The first Trip wins; later reasons are
// discarded.
type AbortHandle struct {
	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// NewAbortHandle creates an untripped handle.
func NewAbortHandle() *AbortHandle {
	return &AbortHandle{done: make(chan struct{})}
}

// Trip signals the abort with a reason. Idempotent; only the first reason is
// kept.
func (h *AbortHandle) Trip(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.reason = reason
	close(h.done)
}

// Done returns a channel closed once the handle trips.
func (h *AbortHandle) Done() <-chan struct{} { return h.done }

// Tripped reports whether the handle has fired.
func (h *AbortHandle) Tripped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Reason returns the abort reason, or "" if the handle has not tripped.
func (h *AbortHandle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Entry is one registered agent.
type Entry struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	TaskSlug  string       `json:"task_slug"`
	StartedAt time.Time    `json:"started_at"`
	Abort     *AbortHandle `json:"-"`
}

// Snapshot is an Entry without the abort handle, safe to hand to observers.
type Snapshot struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	TaskSlug  string    `json:"task_slug"`
	StartedAt time.Time `json:"started_at"`
}

// Pool is an ordered registry of in-flight agents with a concurrency bound.
// A bound of 0 means unlimited.
type Pool struct {
	mu       sync.Mutex
	max      int
	order    []string
	entries  map[string]*Entry
	onChange func([]Snapshot)
}

// New creates a pool with the given concurrency bound.
func New(maxConcurrent int) *Pool {
	return &Pool{
		max:     maxConcurrent,
		entries: make(map[string]*Entry),
	}
}

// OnChange installs the single change callback, fired after every mutation
// with a snapshot of the pool.
func (p *Pool) OnChange(fn func([]Snapshot)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Register adds an agent, failing when the pool is at capacity or the id is
// already present.
func (p *Pool) Register(e *Entry) error {
	p.mu.Lock()
	if p.max > 0 && len(p.entries) >= p.max {
		p.mu.Unlock()
		return fmt.Errorf("%w (%d/%d)", ErrPoolFull, len(p.entries), p.max)
	}
	if _, dup := p.entries[e.ID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("agent %s already registered", e.ID)
	}
	p.entries[e.ID] = e
	p.order = append(p.order, e.ID)
	fn, snap := p.onChange, p.snapshotLocked()
	p.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return nil
}

// Release removes an agent. Unknown ids are a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	if _, ok := p.entries[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, id)
	p.removeFromOrder(id)
	fn, snap := p.onChange, p.snapshotLocked()
	p.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Kill trips an agent's abort handle and removes it from the pool. It never
// blocks on the child: the owning supervisor observes the signal on its next
// stream step. Killing an unknown id is an error; killing twice is not.
func (p *Pool) Kill(id, reason string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(p.entries, id)
	p.removeFromOrder(id)
	fn, snap := p.onChange, p.snapshotLocked()
	p.mu.Unlock()

	e.Abort.Trip(reason)
	if fn != nil {
		fn(snap)
	}
	return nil
}

// Get returns a registered agent's entry.
func (p *Pool) Get(id string) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns a snapshot of the pool in registration order.
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Size returns the number of registered agents.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) snapshotLocked() []Snapshot {
	out := make([]Snapshot, 0, len(p.order))
	for _, id := range p.order {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		out = append(out, Snapshot{ID: e.ID, Role: e.Role, TaskSlug: e.TaskSlug, StartedAt: e.StartedAt})
	}
	return out
}

func (p *Pool) removeFromOrder(id string) {
	for i, have := range p.order {
		if have == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
