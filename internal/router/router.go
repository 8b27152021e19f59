// Package router implements the Supervisor type that wires the registry,
// PTY executor, output log, pattern scanner, intervention controller,
// and notification bus together behind five operations —
// spawn/send/status/output/interrupt — which internal/rpcserver exposes
// over stdio as axiom_spawn/axiom_send/axiom_status/axiom_output/
// axiom_interrupt.
package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/axiomd/internal/bus"
	"github.com/corvidlabs/axiomd/internal/intervention"
	"github.com/corvidlabs/axiomd/internal/outputlog"
	"github.com/corvidlabs/axiomd/internal/ptyexec"
	"github.com/corvidlabs/axiomd/internal/registry"
	"github.com/corvidlabs/axiomd/internal/scanner"
	"github.com/corvidlabs/axiomd/internal/types"
)

// Config is the subset of internal/config.Config the router needs; kept
// narrow so this package does not import internal/config directly and
// router tests can supply minimal literal values.
type Config struct {
	ChildCommand string
	ChildArgs    []string

	RingBufferBytes int
	MaxLineBytes    int

	MaxInterventions      int
	MinDeliverySpacingMs  int64
	BackpressureTimeoutMs int64
	ShutdownGraceMs       int64

	Rules []types.PatternRule
}

// runningTask is the router's private bookkeeping for one live child —
// everything beyond the registry's own Task record.
type runningTask struct {
	handle *ptyexec.Handle
	log    *outputlog.Log
	stream *scanner.Stream

	mu           sync.Mutex
	lastOutputAt time.Time
	stallCancel  context.CancelFunc
}

// Supervisor is the single long-lived object a process builds at startup
// and every RPC handler calls into.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	scan    *scanner.Scanner
	interv  *intervention.Controller
	bus     *bus.Bus

	mu    sync.Mutex
	tasks map[string]*runningTask
}

// New builds a Supervisor from cfg, compiling the rule table once.
func New(cfg Config, b *bus.Bus) (*Supervisor, error) {
	scn, err := scanner.New(cfg.Rules, cfg.MaxLineBytes)
	if err != nil {
		return nil, fmt.Errorf("router: compiling rules: %w", err)
	}
	return &Supervisor{
		cfg:    cfg,
		reg:    registry.New(),
		scan:   scn,
		interv: intervention.New(cfg.MaxInterventions, cfg.MinDeliverySpacingMs, b),
		bus:    b,
		tasks:  make(map[string]*runningTask),
	}, nil
}

// Spawn launches a new child running cfg.ChildCommand with prompt as its
// initial stdin line, and returns as soon as the running state is
// reached — it never waits for the child to finish.
func (s *Supervisor) Spawn(ctx context.Context, prompt string, opts types.SpawnOptions) (types.Task, error) {
	id := uuid.New().String()
	s.reg.Insert(id, prompt, opts.Tags)

	rt := &runningTask{
		log:    outputlog.New(s.cfg.RingBufferBytes),
		stream: s.scan.NewStream(),
	}

	handle, err := ptyexec.Launch(ctx, s.cfg.ChildCommand, s.cfg.ChildArgs, nil, "",
		func(data []byte) { s.onBytes(id, rt, data) },
		func(code int, reason string) { s.onExit(id, code, reason) },
	)
	if err != nil {
		_ = s.reg.TransitionToTerminal(id, types.StateFailed, -1, err.Error())
		return types.Task{}, fmt.Errorf("%w: %s", types.ErrExecFailure, err)
	}
	rt.handle = handle
	rt.lastOutputAt = time.Now()

	s.mu.Lock()
	s.tasks[id] = rt
	s.mu.Unlock()

	if err := s.reg.TransitionToRunning(id); err != nil {
		return types.Task{}, err
	}
	task, _ := s.reg.Lookup(id)
	s.bus.Publish(types.Event{Kind: types.EventStateChange, TaskID: id, OldState: types.StatePending, NewState: types.StateRunning})

	if prompt != "" {
		if err := handle.Write([]byte(prompt + "\r")); err != nil {
			log.Printf("[ROUTER] task %s: initial prompt write failed: %v", id, err)
		}
	}

	s.startStallTimer(id, rt)
	return task, nil
}

// onBytes is the PTY executor's callback: it feeds the output log, the
// line scanner, and the notification bus, then dispatches any pattern
// hits to the intervention controller.
func (s *Supervisor) onBytes(id string, rt *runningTask, data []byte) {
	rt.log.Append(data)
	rt.mu.Lock()
	rt.lastOutputAt = time.Now()
	rt.mu.Unlock()

	lineCount := countNewlines(data)
	s.reg.RecordOutput(id, int64(len(data)), int64(lineCount))
	s.bus.Publish(types.Event{Kind: types.EventOutputChunk, TaskID: id, Bytes: data})

	for _, hit := range rt.stream.Feed(data) {
		delivered, err := s.interv.Apply(id, hit.Rule, hit.MatchedText, rt.handle)
		if err != nil {
			log.Printf("[ROUTER] task %s: intervention failed: %v", id, err)
			continue
		}
		if delivered {
			quotaHit := s.interv.DeliveryCount(id) >= s.cfg.MaxInterventions
			s.reg.RecordIntervention(id, quotaHit)
		}
	}
}

// onExit is the PTY executor's exit callback: it retires the task to a
// terminal state and tears down its stall timer.
func (s *Supervisor) onExit(id string, code int, reason string) {
	// rt is intentionally kept in s.tasks after exit: its output log must
	// remain readable by Output() in any state, until the client evicts
	// the task via the registry.
	rt, ok := s.taskFor(id)
	if ok && rt.stallCancel != nil {
		rt.stallCancel()
	}

	task, err := s.reg.Lookup(id)
	if err != nil {
		return
	}

	target := types.StateCompleted
	switch {
	case task.State == types.StateRunning && reason != "" && code != 0:
		target = types.StateFailed
	case code != 0:
		target = types.StateFailed
	case task.State == types.StateInterrupted:
		target = types.StateInterrupted
	}
	// interrupt() transitions are driven explicitly by Interrupt, which
	// races this callback; only apply a terminal transition if one
	// hasn't already landed.
	if task.State.Terminal() {
		return
	}
	if werr := s.reg.TransitionToTerminal(id, target, code, reason); werr != nil {
		log.Printf("[ROUTER] task %s: terminal transition failed: %v", id, werr)
		return
	}
	s.interv.Forget(id)
	s.bus.Publish(types.Event{Kind: types.EventStateChange, TaskID: id, OldState: types.StateRunning, NewState: target, ExitCode: &code})
}

// startStallTimer runs a ticker that fires the scanner's stall-class
// rules when no output has arrived for longer than their threshold —
// a timer-driven variant evaluated independently of the line scanner.
func (s *Supervisor) startStallTimer(id string, rt *runningTask) {
	stalls := s.scan.StallRules()
	if len(stalls) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.stallCancel = cancel

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rt.mu.Lock()
				idle := time.Since(rt.lastOutputAt)
				rt.mu.Unlock()
				for _, rule := range stalls {
					if idle >= rule.Threshold() {
						delivered, err := s.interv.Apply(id, rule, "", rt.handle)
						if err != nil {
							log.Printf("[ROUTER] task %s: stall intervention failed: %v", id, err)
							continue
						}
						if delivered {
							quotaHit := s.interv.DeliveryCount(id) >= s.cfg.MaxInterventions
							s.reg.RecordIntervention(id, quotaHit)
						}
					}
				}
			}
		}
	}()
}

// Send writes message + "\r" to the running task's stdin.
func (s *Supervisor) Send(id, message string) error {
	if err := s.reg.RequireRunning(id); err != nil {
		return err
	}
	rt, ok := s.taskFor(id)
	if !ok {
		return types.ErrChildGone
	}
	if err := rt.handle.Write([]byte(message + "\r")); err != nil {
		return fmt.Errorf("%w: %s", types.ErrChildGone, err)
	}
	return nil
}

// Status returns a snapshot of id's task record, or every task's
// snapshot when id is empty.
func (s *Supervisor) Status(id string) ([]types.Task, error) {
	if id == "" {
		return s.reg.List(), nil
	}
	task, err := s.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	return []types.Task{task}, nil
}

// Output returns id's accumulated output, optionally limited to its last
// tail bytes. Valid in any state.
func (s *Supervisor) Output(id string, tail int) (text []byte, truncated bool, err error) {
	if _, lookErr := s.reg.Lookup(id); lookErr != nil {
		return nil, false, lookErr
	}
	rt, ok := s.taskFor(id)
	if !ok {
		// A task whose launch failed never got runningTask bookkeeping
		// (and so no output log): its output is empty rather than an
		// error.
		return nil, false, nil
	}
	text, truncated = rt.log.Output(tail)
	return text, truncated, nil
}

// Interrupt signals id's child: SIGINT alone, or SIGINT followed by a
// graced SIGKILL when opts.Force is set.
func (s *Supervisor) Interrupt(id string, opts types.InterruptOptions) error {
	if err := s.reg.RequireRunning(id); err != nil {
		return err
	}
	rt, ok := s.taskFor(id)
	if !ok {
		return types.ErrChildGone
	}

	if err := rt.handle.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("%w: %s", types.ErrChildGone, err)
	}
	if !opts.Force {
		s.markInterrupted(id)
		return nil
	}

	go func() {
		select {
		case <-rt.handle.Done():
		case <-time.After(2 * time.Second):
			_ = rt.handle.Signal(syscall.SIGKILL)
		}
	}()
	s.markInterrupted(id)
	return nil
}

// markInterrupted records the client's intent to interrupt id immediately;
// onExit observes the already-terminal state and skips its own transition
// once the child actually exits.
func (s *Supervisor) markInterrupted(id string) {
	task, err := s.reg.Lookup(id)
	if err != nil || task.State != types.StateRunning {
		return
	}
	if werr := s.reg.TransitionToTerminal(id, types.StateInterrupted, 0, "interrupted"); werr == nil {
		s.bus.Publish(types.Event{Kind: types.EventStateChange, TaskID: id, OldState: types.StateRunning, NewState: types.StateInterrupted})
	}
}

// Shutdown interrupts every running task with force, then waits up to
// graceMs for them to exit before returning, killing every child still
// alive when the grace period ends (cmd/axiomd's SIGTERM path).
func (s *Supervisor) Shutdown(graceMs int64) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	handles := make([]*ptyexec.Handle, 0, len(s.tasks))
	for id, rt := range s.tasks {
		ids = append(ids, id)
		handles = append(handles, rt.handle)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Interrupt(id, types.InterruptOptions{Force: true})
	}

	deadline := time.After(time.Duration(graceMs) * time.Millisecond)
	for _, h := range handles {
		select {
		case <-h.Done():
			continue
		case <-deadline:
		}
		for _, rest := range handles {
			select {
			case <-rest.Done():
			default:
				_ = rest.Signal(syscall.SIGKILL)
			}
		}
		return
	}
}

func (s *Supervisor) taskFor(id string) (*runningTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tasks[id]
	return rt, ok
}

func countNewlines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
