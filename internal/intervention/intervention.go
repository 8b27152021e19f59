// Package intervention implements the Intervention Controller
// (component D): it translates a pattern-hit plus its rule's action into
// an effect on the child — writing a correction payload to its stdin,
// sending SIGINT, or doing nothing beyond the hit already reported — while
// enforcing two global policy knobs: a per-task delivery quota and a
// minimum spacing between consecutive deliveries to the same task.
//
// Rate limiting follows golang.org/x/time/rate, a token-bucket limiter
// rather than a hand-rolled timestamp comparison.
package intervention

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/corvidlabs/axiomd/internal/types"
)

// Deliverer is the narrow interface the controller needs from the PTY
// executor: write bytes, or send a signal. internal/router supplies the
// concrete *ptyexec.Handle.
type Deliverer interface {
	Write(data []byte) error
	Signal(sig syscall.Signal) error
}

// Sink publishes Events as the controller produces them (pattern-hit,
// intervention-delivered, quota-exhausted state-change annotations).
type Sink interface {
	Publish(ev types.Event)
}

// taskState is the controller's per-task bookkeeping: delivery count
// toward the quota and a rate limiter enforcing min_delivery_spacing.
type taskState struct {
	delivered      int
	quotaExhausted bool
	limiter        *rate.Limiter
}

// Controller enforces the two global policy knobs across every task it
// is asked to act on.
type Controller struct {
	maxPerTask   int
	minSpacingHz rate.Limit
	bus          Sink

	tasks map[string]*taskState
}

// New builds a Controller. maxPerTask and minSpacingMs are the
// max_interventions_per_task and min_delivery_spacing knobs from
// internal/config (defaults: 20 and 250ms).
func New(maxPerTask int, minSpacingMs int64, bus Sink) *Controller {
	return &Controller{
		maxPerTask:   maxPerTask,
		minSpacingHz: rate.Every(time.Duration(minSpacingMs) * time.Millisecond),
		bus:          bus,
		tasks:        make(map[string]*taskState),
	}
}

// Apply handles one Hit for taskID, dispatching on the rule's action and
// enforcing quota + spacing. delivered reports whether an inject/interrupt
// actually reached the child on this call; it is false for record-only
// hits, quota-demoted hits, and hits suppressed by min_delivery_spacing —
// none of those count toward a task's intervention_count. Apply never
// returns an error for those cases either; they are expected steady-state
// outcomes, not failures.
func (c *Controller) Apply(taskID string, rule types.PatternRule, matchedText string, d Deliverer) (delivered bool, err error) {
	c.bus.Publish(types.Event{
		Kind:        types.EventPatternHit,
		TaskID:      taskID,
		RuleID:      rule.ID,
		MatchedText: matchedText,
	})

	if rule.Action == types.ActionRecordOnly {
		return false, nil
	}

	st := c.stateFor(taskID)

	if st.quotaExhausted {
		return false, nil // demoted silently; quota_exhausted already announced once
	}
	if st.delivered >= c.maxPerTask {
		st.quotaExhausted = true
		c.bus.Publish(types.Event{
			Kind:       types.EventStateChange,
			TaskID:     taskID,
			Annotation: "quota_exhausted",
		})
		return false, nil
	}
	if !st.limiter.Allow() {
		return false, nil // within min_delivery_spacing window: hit recorded, no delivery
	}

	switch rule.Action {
	case types.ActionInject:
		payload := append([]byte(rule.Payload), '\r')
		if err := d.Write(payload); err != nil {
			return false, fmt.Errorf("intervention: inject: %w", err)
		}
	case types.ActionInterrupt:
		if err := d.Signal(syscall.SIGINT); err != nil {
			return false, fmt.Errorf("intervention: interrupt: %w", err)
		}
	default:
		return false, fmt.Errorf("intervention: unknown action %q", rule.Action)
	}

	st.delivered++
	c.bus.Publish(types.Event{
		Kind:        types.EventInterventionDelivered,
		TaskID:      taskID,
		RuleID:      rule.ID,
		MatchedText: matchedText,
		Payload:     rule.Payload,
	})
	return true, nil
}

// stateFor lazily creates per-task bookkeeping. Callers own their own
// serialization per task (internal/router processes one task's scanner
// output on one goroutine), so no lock guards the map itself beyond what
// the caller already provides.
func (c *Controller) stateFor(taskID string) *taskState {
	st, ok := c.tasks[taskID]
	if !ok {
		st = &taskState{limiter: rate.NewLimiter(c.minSpacingHz, 1)}
		c.tasks[taskID] = st
	}
	return st
}

// Forget drops a task's bookkeeping once it has reached a terminal state,
// so the controller's memory does not grow without bound across a
// long-lived supervisor process.
func (c *Controller) Forget(taskID string) {
	delete(c.tasks, taskID)
}

// DeliveryCount reports how many interventions have been delivered to
// taskID so far, for status() counters.
func (c *Controller) DeliveryCount(taskID string) int {
	if st, ok := c.tasks[taskID]; ok {
		return st.delivered
	}
	return 0
}
