// Package scanner turns the raw byte stream the PTY executor produces
// into complete lines, strips inline ANSI colorization, and matches each
// line against the configured rule table in descending priority order. A
// match is reported to the caller via Hit so the intervention controller
// (internal/intervention) can act on it; the scanner itself never
// touches the child's stdin.
package scanner

import (
	"regexp"
	"sync"
	"time"

	"github.com/corvidlabs/axiomd/internal/types"
)

// DefaultMaxLineBytes bounds the carry buffer: a line (or line fragment)
// longer than this is flushed as a synthetic line rather than grown
// without limit.
const DefaultMaxLineBytes = 8192

// csiPattern matches ANSI CSI escape sequences: ESC '[' ... final byte in
// the '@'-'~' range. Stripped before matching so inline colorization from
// the child never defeats a rule.
var csiPattern = regexp.MustCompile("\x1b\\[[0-9;?]*[@-~]")

// compiledRule pairs a PatternRule with its compiled regex (nil for
// stall-class rules, which never match against line text) and its last
// firing time, used for cooldown accounting.
type compiledRule struct {
	rule     types.PatternRule
	re       *regexp.Regexp
	mu       sync.Mutex
	lastFire time.Time
}

// Hit is reported once per matching line (at most one rule fires per
// line). Stall rules never produce a Hit; internal/router applies them
// directly from its stall timer.
type Hit struct {
	Rule        types.PatternRule
	MatchedText string
}

// Scanner holds the compiled rule table shared by every task; per-task
// state (the carry buffer) lives in a Stream.
type Scanner struct {
	rules      []*compiledRule // sorted by descending priority
	maxLine    int
	stallRules []*compiledRule
}

// New compiles the configured rule table once at startup. maxLine <= 0
// selects DefaultMaxLineBytes.
func New(rules []types.PatternRule, maxLine int) (*Scanner, error) {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	s := &Scanner{maxLine: maxLine}
	for _, r := range rules {
		cr := &compiledRule{rule: r}
		if r.Stall {
			s.stallRules = append(s.stallRules, cr)
			continue
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, err
		}
		cr.re = re
		s.rules = append(s.rules, cr)
	}
	// Stable descending-priority sort; insertion-sort is fine at the
	// rule-table sizes this supervisor expects (a handful to a few dozen).
	for i := 1; i < len(s.rules); i++ {
		for j := i; j > 0 && s.rules[j].rule.Priority > s.rules[j-1].rule.Priority; j-- {
			s.rules[j], s.rules[j-1] = s.rules[j-1], s.rules[j]
		}
	}
	return s, nil
}

// Stream is one task's line-assembly state: a carry buffer of bytes
// received since the last newline.
type Stream struct {
	s     *Scanner
	carry []byte
}

// NewStream starts a fresh carry buffer for one task.
func (s *Scanner) NewStream() *Stream {
	return &Stream{s: s}
}

// Feed appends chunk to the carry buffer, splits on newlines, and matches
// every complete line. It returns zero or more hits: at most one rule
// fires per line.
func (st *Stream) Feed(chunk []byte) []Hit {
	st.carry = append(st.carry, chunk...)

	var hits []Hit
	start := 0
	for i, b := range st.carry {
		if b != '\n' {
			continue
		}
		line := st.carry[start:i]
		if hit, ok := st.s.matchLine(line); ok {
			hits = append(hits, hit)
		}
		start = i + 1
	}
	st.carry = append(st.carry[:0], st.carry[start:]...)

	if len(st.carry) > st.s.maxLine {
		if hit, ok := st.s.matchLine(st.carry); ok {
			hits = append(hits, hit)
		}
		st.carry = st.carry[:0]
	}
	return hits
}

// matchLine strips ANSI escapes and evaluates rules in descending
// priority, returning the first whose cooldown has elapsed.
func (s *Scanner) matchLine(line []byte) (Hit, bool) {
	clean := csiPattern.ReplaceAll(line, nil)
	now := time.Now()
	for _, cr := range s.rules {
		loc := cr.re.FindIndex(clean)
		if loc == nil {
			continue
		}
		cr.mu.Lock()
		elapsed := now.Sub(cr.lastFire)
		ready := cr.lastFire.IsZero() || elapsed >= cr.rule.Cooldown()
		if ready {
			cr.lastFire = now
		}
		cr.mu.Unlock()
		if !ready {
			continue
		}
		return Hit{Rule: cr.rule, MatchedText: string(clean[loc[0]:loc[1]])}, true
	}
	return Hit{}, false
}

// StallRules returns the timer-driven rule variants, shared across every
// task rather than per-Stream since a stall check compares wall-clock
// time since last output, not line content.
func (s *Scanner) StallRules() []types.PatternRule {
	out := make([]types.PatternRule, len(s.stallRules))
	for i, cr := range s.stallRules {
		out[i] = cr.rule
	}
	return out
}
