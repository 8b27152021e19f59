// Package types holds the data model shared by every axiomd package: the
// Task record and its state machine, pattern rules, bus events, and the
// sentinel errors returned by the five request-router operations.
package types

import (
	"errors"
	"time"
)

// State is a task's position in the lifecycle state machine.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether s is a sink state of the machine.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted:
		return true
	default:
		return false
	}
}

// Sentinel errors returned synchronously by router operations. Checked
// with errors.Is.
var (
	ErrNotFound    = errors.New("axiomd: task not found")
	ErrNotRunning  = errors.New("axiomd: task is not running")
	ErrChildGone   = errors.New("axiomd: child process has already exited")
	ErrExecFailure = errors.New("axiomd: executor launch failed")
)

// RuleAction tags the effect a PatternRule has on a match.
type RuleAction string

const (
	ActionInject     RuleAction = "inject"
	ActionInterrupt  RuleAction = "interrupt"
	ActionRecordOnly RuleAction = "record-only"
)

// PatternRule is process-wide configuration loaded once at startup and
// treated as immutable for the supervisor's lifetime.
type PatternRule struct {
	ID       string     `toml:"id" json:"id"`
	Match    string     `toml:"match" json:"match"` // regexp source; compiled once at load
	Action   RuleAction `toml:"action" json:"action"`
	Payload  string     `toml:"payload" json:"payload,omitempty"` // inject-only
	Priority int        `toml:"priority" json:"priority"`

	// CooldownMs is the minimum wall-clock interval, in milliseconds,
	// between consecutive firings of this rule on the same task.
	CooldownMs int64 `toml:"cooldown_ms" json:"cooldown_ms"`

	// Stall marks the timer-driven variant: evaluated by a shared ticker
	// against time-since-last-output rather than by the line scanner.
	// ThresholdMs is the silence duration that triggers it.
	Stall       bool  `toml:"stall" json:"stall,omitempty"`
	ThresholdMs int64 `toml:"threshold_ms" json:"threshold_ms,omitempty"`
}

// Cooldown returns the rule's cooldown as a time.Duration.
func (r PatternRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// Threshold returns the rule's stall threshold as a time.Duration.
func (r PatternRule) Threshold() time.Duration {
	return time.Duration(r.ThresholdMs) * time.Millisecond
}

// Tags is a client-supplied correlation map, e.g. {"run": "ci-482"}.
type Tags map[string]string

// Task is the central entity: one supervised child process, plus its
// derived counters and metadata. A *Task is always accessed through the
// registry, which guards every field behind the task's own mutex — see
// internal/registry.
type Task struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// ExitCode is non-nil iff State is terminal.
	ExitCode   *int   `json:"exit_code,omitempty"`
	ExitReason string `json:"exit_reason,omitempty"` // e.g. "backpressure_timeout"

	LineCount         int64 `json:"line_count"`
	ByteCount         int64 `json:"byte_count"`
	InterventionCount int   `json:"intervention_count"`
	QuotaExhausted    bool  `json:"quota_exhausted,omitempty"`

	Tags Tags `json:"tags,omitempty"`
}

// Snapshot returns a value copy of t, safe to hand to a caller once the
// registry's per-task lock has been released.
func (t *Task) Snapshot() Task {
	cp := *t
	if t.ExitCode != nil {
		ec := *t.ExitCode
		cp.ExitCode = &ec
	}
	if t.Tags != nil {
		cp.Tags = make(Tags, len(t.Tags))
		for k, v := range t.Tags {
			cp.Tags[k] = v
		}
	}
	return cp
}

// EventKind labels a bus Event variant: a tagged union generalized from
// JSONL log records to in-process pub/sub notifications.
type EventKind string

const (
	EventOutputChunk           EventKind = "output-chunk"
	EventPatternHit            EventKind = "pattern-hit"
	EventInterventionDelivered EventKind = "intervention-delivered"
	EventStateChange           EventKind = "state-change"
	EventSubscriberLagged      EventKind = "subscriber-lagged"
)

// Event is the immutable record flowing over the notification bus. Only
// the fields relevant to Kind are populated; the rest are left zero.
type Event struct {
	Kind      EventKind `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"ts"`

	// output-chunk
	Bytes []byte `json:"bytes,omitempty"`

	// pattern-hit / intervention-delivered
	RuleID      string `json:"rule_id,omitempty"`
	MatchedText string `json:"matched_text,omitempty"`
	Payload     string `json:"payload,omitempty"`

	// state-change
	OldState   State  `json:"old_state,omitempty"`
	NewState   State  `json:"new_state,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Annotation string `json:"annotation,omitempty"` // e.g. "quota_exhausted"

	// subscriber-lagged
	Dropped int `json:"dropped,omitempty"`
}

// SpawnOptions carries the per-call options to Spawn.
type SpawnOptions struct {
	// Verbose selects non-blocking "verbose master mode". Spawn is
	// non-blocking unconditionally regardless of this field's value — it
	// is retained only for wire compatibility with callers that still
	// set it explicitly.
	Verbose bool
	Tags    Tags
}

// OutputOptions carries the per-call options to Output.
type OutputOptions struct {
	// Tail, if non-zero, limits the returned text to the last Tail bytes.
	Tail int
}

// InterruptOptions carries the per-call options to Interrupt.
type InterruptOptions struct {
	Force bool
}
