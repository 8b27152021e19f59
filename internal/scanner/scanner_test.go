package scanner

import (
	"strings"
	"testing"
	"time"

	"github.com/corvidlabs/axiomd/internal/types"
)

func rule(id, match string, priority int, cooldownMs int64) types.PatternRule {
	return types.PatternRule{ID: id, Match: match, Action: types.ActionInject, Priority: priority, CooldownMs: cooldownMs}
}

func TestStream_FeedMatchesCompleteLines(t *testing.T) {
	s, err := New([]types.PatternRule{rule("todo", `\bTODO\b`, 1, 0)}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := s.NewStream()

	hits := st.Feed([]byte("some output\nTODO: fix this\nmore\n"))
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Rule.ID != "todo" {
		t.Fatalf("hit rule = %q, want todo", hits[0].Rule.ID)
	}
}

func TestStream_PartialLineWaitsForNewline(t *testing.T) {
	s, err := New([]types.PatternRule{rule("todo", `\bTODO\b`, 1, 0)}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := s.NewStream()

	if hits := st.Feed([]byte("TOD")); len(hits) != 0 {
		t.Fatalf("expected no hits on partial line, got %d", len(hits))
	}
	hits := st.Feed([]byte("O right here\n"))
	if len(hits) != 1 {
		t.Fatalf("expected match once the line completes, got %d", len(hits))
	}
}

func TestStream_StripsANSIBeforeMatching(t *testing.T) {
	s, err := New([]types.PatternRule{rule("todo", `\bTODO\b`, 1, 0)}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := s.NewStream()

	colored := "\x1b[31mTODO\x1b[0m: finish\n"
	hits := st.Feed([]byte(colored))
	if len(hits) != 1 {
		t.Fatalf("expected ANSI-wrapped TODO to match, got %d hits", len(hits))
	}
}

func TestStream_AtMostOneRuleFiresPerLine(t *testing.T) {
	s, err := New([]types.PatternRule{
		rule("high", `foo`, 10, 0),
		rule("low", `bar`, 1, 0),
	}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := s.NewStream()

	hits := st.Feed([]byte("foo and bar together\n"))
	if len(hits) != 1 {
		t.Fatalf("expected exactly one hit, got %d", len(hits))
	}
	if hits[0].Rule.ID != "high" {
		t.Fatalf("expected higher-priority rule to win, got %q", hits[0].Rule.ID)
	}
}

func TestStream_CooldownSuppressesRepeatedMatches(t *testing.T) {
	s, err := New([]types.PatternRule{rule("todo", `TODO`, 1, 60_000)}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := s.NewStream()

	hits := st.Feed([]byte("TODO first\nTODO second\n"))
	if len(hits) != 1 {
		t.Fatalf("expected only the first match before cooldown elapses, got %d", len(hits))
	}
}

func TestStream_OverlongCarryFlushesAsSyntheticLine(t *testing.T) {
	s, err := New([]types.PatternRule{rule("todo", `TODO`, 1, 0)}, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := s.NewStream()

	long := strings.Repeat("x", 20) + "TODO"
	hits := st.Feed([]byte(long)) // no newline at all
	if len(hits) != 1 {
		t.Fatalf("expected overlong carry to be flushed and matched, got %d hits", len(hits))
	}
}

func TestScanner_StallRulesExposedSeparately(t *testing.T) {
	s, err := New([]types.PatternRule{
		{ID: "stall", Action: types.ActionInject, Stall: true, ThresholdMs: int64(10 * time.Second / time.Millisecond)},
		rule("todo", `TODO`, 1, 0),
	}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stalls := s.StallRules()
	if len(stalls) != 1 || stalls[0].ID != "stall" {
		t.Fatalf("unexpected stall rules: %+v", stalls)
	}
}
