// Package registry implements the task registry and state machine: a
// concurrent map from task-id to task record, with a per-task mutex so
// readers observe either the state before a transition or the state
// after, never a partially mutated record.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvidlabs/axiomd/internal/types"
)

// entry pairs a task record with the mutex guarding it. The record is
// only ever mutated through Registry methods, which hold this mutex for
// the duration of the read-modify-write.
type entry struct {
	mu   sync.Mutex
	task types.Task
}

// Registry is the shared concurrent map of every task axiomd currently
// knows about — running and terminal alike, until Remove evicts one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Insert adds a new pending task record under id. The caller is
// responsible for ensuring id is fresh (internal/router generates it via
// google/uuid before calling Insert).
func (r *Registry) Insert(id, prompt string, tags types.Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{task: types.Task{
		ID:        id,
		Prompt:    prompt,
		State:     types.StatePending,
		CreatedAt: time.Now(),
		Tags:      tags,
	}}
}

// Lookup returns a snapshot of the task record for id, or
// types.ErrNotFound if no such task exists.
func (r *Registry) Lookup(id string) (types.Task, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return types.Task{}, types.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Snapshot(), nil
}

// List returns a snapshot of every task currently in the registry, in no
// particular order.
func (r *Registry) List() []types.Task {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	out := make([]types.Task, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		out = append(out, e.task.Snapshot())
		e.mu.Unlock()
	}
	return out
}

// Remove evicts id's task record from the registry (client-driven
// retention). It does not touch the task's output log, which
// internal/router holds outside the registry. Removing an unknown id is
// a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// validTransitions encodes the task lifecycle state machine. A
// transition not listed here is rejected.
var validTransitions = map[types.State][]types.State{
	types.StatePending: {types.StateRunning, types.StateFailed},
	types.StateRunning: {types.StateCompleted, types.StateFailed, types.StateInterrupted},
}

// TransitionToRunning marks id running once the executor has launched
// successfully, recording StartedAt.
func (r *Registry) TransitionToRunning(id string) error {
	return r.transition(id, types.StateRunning, func(t *types.Task) {
		t.StartedAt = time.Now()
	})
}

// TransitionToTerminal marks id into one of the three terminal states,
// recording EndedAt, the child's exit code, and an exit reason (e.g.
// "backpressure_timeout", "killed: SIGTERM", or "" for a clean exit).
func (r *Registry) TransitionToTerminal(id string, state types.State, exitCode int, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("registry: %s is not a terminal state", state)
	}
	return r.transition(id, state, func(t *types.Task) {
		t.EndedAt = time.Now()
		ec := exitCode
		t.ExitCode = &ec
		t.ExitReason = reason
	})
}

// transition validates and applies a state change, running mutate while
// the per-task lock is held so the record is never observed half-updated.
func (r *Registry) transition(id string, to types.State, mutate func(*types.Task)) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return types.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.task.State
	if !transitionAllowed(from, to) {
		return fmt.Errorf("registry: invalid transition %s -> %s for task %s", from, to, id)
	}
	e.task.State = to
	mutate(&e.task)
	return nil
}

func transitionAllowed(from, to types.State) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// RequireRunning returns types.ErrNotRunning if id is not currently in
// the running state (used by send/interrupt preconditions), or
// types.ErrNotFound if id does not exist.
func (r *Registry) RequireRunning(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return types.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.State != types.StateRunning {
		return types.ErrNotRunning
	}
	return nil
}

// RecordOutput updates the byte/line counters the PTY reader and line
// scanner drive forward as output arrives.
func (r *Registry) RecordOutput(id string, byteDelta int64, lineDelta int64) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.task.ByteCount += byteDelta
	e.task.LineCount += lineDelta
	e.mu.Unlock()
}

// RecordIntervention increments id's intervention_count, and its
// quota_exhausted flag once the controller has demoted further
// deliveries to record-only.
func (r *Registry) RecordIntervention(id string, quotaExhausted bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.task.InterventionCount++
	if quotaExhausted {
		e.task.QuotaExhausted = true
	}
	e.mu.Unlock()
}

// MarkQuotaExhausted flips the quota_exhausted flag without recording an
// additional delivery, for the boundary hit that first trips the quota.
func (r *Registry) MarkQuotaExhausted(id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.task.QuotaExhausted = true
	e.mu.Unlock()
}
