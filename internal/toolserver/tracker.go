package toolserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/dispatchd/internal/supervisor"
)

type trackerEntry struct {
	done chan struct{}
	res  *supervisor.Result
	err  error
}

// DispatchTracker maps spawned agent ids to their eventual terminal result.
// Await is the only synchronization point between a parent agent and the
// children it spawned; results stay cached so repeated awaits are cheap.
type DispatchTracker struct {
	mu      sync.Mutex
	entries map[string]*trackerEntry
}

func NewDispatchTracker() *DispatchTracker {
	return &DispatchTracker{entries: make(map[string]*trackerEntry)}
}

// Track registers a spawned agent's result channel. A single receiver drains
// the one-shot channel so any number of concurrent Await calls observe the
// same result.
func (t *DispatchTracker) Track(agentID string, ch <-chan *supervisor.Result) {
	e := &trackerEntry{done: make(chan struct{})}
	t.mu.Lock()
	t.entries[agentID] = e
	t.mu.Unlock()

	go func() {
		res, ok := <-ch
		if !ok || res == nil {
			e.err = fmt.Errorf("agent %q finished without a result", agentID)
		} else {
			e.res = res
		}
		close(e.done)
	}()
}

// Await blocks until the agent's dispatch reaches a terminal state. An id
// that was never tracked is an error.
func (t *DispatchTracker) Await(ctx context.Context, agentID string) (*supervisor.Result, error) {
	t.mu.Lock()
	e, ok := t.entries[agentID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent id %q", agentID)
	}

	select {
	case <-e.done:
		return e.res, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Known reports whether the id was ever tracked.
func (t *DispatchTracker) Known(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[agentID]
	return ok
}
