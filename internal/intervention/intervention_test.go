package intervention

import (
	"sync"
	"syscall"
	"testing"

	"github.com/corvidlabs/axiomd/internal/types"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	writes   [][]byte
	signals  []syscall.Signal
	writeErr error
}

func (f *fakeDeliverer) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeDeliverer) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (f *fakeSink) Publish(ev types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) kinds() []types.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

func TestController_InjectWritesPayloadWithCarriageReturn(t *testing.T) {
	sink := &fakeSink{}
	c := New(20, 0, sink)
	d := &fakeDeliverer{}

	rule := types.PatternRule{ID: "r1", Action: types.ActionInject, Payload: "stop planning"}
	delivered, err := c.Apply("t1", rule, "matched", d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !delivered {
		t.Fatal("Apply reported delivered = false, want true")
	}

	if len(d.writes) != 1 || string(d.writes[0]) != "stop planning\r" {
		t.Fatalf("writes = %v, want one write of %q", d.writes, "stop planning\r")
	}
	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[0] != types.EventPatternHit || kinds[1] != types.EventInterventionDelivered {
		t.Fatalf("unexpected event sequence: %v", kinds)
	}
}

func TestController_InterruptSendsSIGINT(t *testing.T) {
	sink := &fakeSink{}
	c := New(20, 0, sink)
	d := &fakeDeliverer{}

	rule := types.PatternRule{ID: "r1", Action: types.ActionInterrupt}
	delivered, err := c.Apply("t1", rule, "matched", d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !delivered {
		t.Fatal("Apply reported delivered = false, want true")
	}
	if len(d.signals) != 1 || d.signals[0] != syscall.SIGINT {
		t.Fatalf("signals = %v, want [SIGINT]", d.signals)
	}
}

func TestController_RecordOnlyNeverDelivers(t *testing.T) {
	sink := &fakeSink{}
	c := New(20, 0, sink)
	d := &fakeDeliverer{}

	rule := types.PatternRule{ID: "r1", Action: types.ActionRecordOnly}
	delivered, err := c.Apply("t1", rule, "matched", d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if delivered {
		t.Fatal("Apply reported delivered = true for a record-only rule")
	}
	if len(d.writes) != 0 || len(d.signals) != 0 {
		t.Fatalf("record-only rule must not touch the child: writes=%v signals=%v", d.writes, d.signals)
	}
	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != types.EventPatternHit {
		t.Fatalf("expected exactly a pattern-hit event, got %v", kinds)
	}
}

func TestController_QuotaDemotesToRecordOnly(t *testing.T) {
	sink := &fakeSink{}
	c := New(1, 0, sink)
	d := &fakeDeliverer{}
	rule := types.PatternRule{ID: "r1", Action: types.ActionInject, Payload: "x"}

	delivered1, err := c.Apply("t1", rule, "m", d)
	if err != nil {
		t.Fatalf("Apply 1: %v", err)
	}
	if !delivered1 {
		t.Fatal("Apply 1 reported delivered = false, want true (within quota)")
	}
	delivered2, err := c.Apply("t1", rule, "m", d)
	if err != nil {
		t.Fatalf("Apply 2: %v", err)
	}
	if delivered2 {
		t.Fatal("Apply 2 reported delivered = true, want false (quota exhausted)")
	}

	if len(d.writes) != 1 {
		t.Fatalf("expected quota to cap deliveries at 1, got %d", len(d.writes))
	}

	delivered3, err := c.Apply("t1", rule, "m", d)
	if err != nil {
		t.Fatalf("Apply 3: %v", err)
	}
	if delivered3 {
		t.Fatal("Apply 3 reported delivered = true, want false (quota already exhausted)")
	}
	if len(d.writes) != 1 {
		t.Fatalf("expected no further deliveries once quota is exhausted, got %d", len(d.writes))
	}

	foundExhausted := false
	for _, ev := range sink.events {
		if ev.Kind == types.EventStateChange && ev.Annotation == "quota_exhausted" {
			foundExhausted = true
		}
	}
	if !foundExhausted {
		t.Fatal("expected a quota_exhausted state-change annotation")
	}
}

func TestController_MinSpacingDropsRapidRepeats(t *testing.T) {
	sink := &fakeSink{}
	c := New(20, 60_000, sink) // 60s spacing: second call must be dropped
	d := &fakeDeliverer{}
	rule := types.PatternRule{ID: "r1", Action: types.ActionInject, Payload: "x"}

	delivered1, err := c.Apply("t1", rule, "m", d)
	if err != nil {
		t.Fatalf("Apply 1: %v", err)
	}
	if !delivered1 {
		t.Fatal("Apply 1 reported delivered = false, want true (first delivery)")
	}
	delivered2, err := c.Apply("t1", rule, "m", d)
	if err != nil {
		t.Fatalf("Apply 2: %v", err)
	}
	if delivered2 {
		t.Fatal("Apply 2 reported delivered = true, want false (within min_delivery_spacing)")
	}
	if len(d.writes) != 1 {
		t.Fatalf("expected min_delivery_spacing to drop the second delivery, got %d writes", len(d.writes))
	}
}

func TestController_ForgetResetsBookkeeping(t *testing.T) {
	sink := &fakeSink{}
	c := New(1, 0, sink)
	d := &fakeDeliverer{}
	rule := types.PatternRule{ID: "r1", Action: types.ActionInject, Payload: "x"}

	_, _ = c.Apply("t1", rule, "m", d)
	c.Forget("t1")
	if n := c.DeliveryCount("t1"); n != 0 {
		t.Fatalf("DeliveryCount after Forget = %d, want 0", n)
	}
}
