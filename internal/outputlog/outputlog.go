// Package outputlog implements two storage layers per task fed by the
// same byte stream from the PTY executor.
//
//  1. A rolling window of the most recent N bytes (github.com/smallnest/
//     ringbuffer), exposed through Window. The pattern scanner does not
//     read it; internal/scanner bounds its memory with its own carry
//     buffer.
//  2. An append-only accumulator holding everything the child has ever
//     produced, serving `output` RPCs. Its single producer is the PTY
//     reader; readers take a length-bounded snapshot, so no lock beyond
//     the accumulator's own mutex is needed for correctness.
package outputlog

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultRollingWindowBytes is the rolling window's default capacity.
const DefaultRollingWindowBytes = 65536

// Log holds one task's two storage layers.
type Log struct {
	mu   sync.Mutex
	acc  []byte
	ring *ringbuffer.RingBuffer
}

// New creates a Log whose rolling window holds at most windowBytes of the
// most recent output. windowBytes <= 0 selects DefaultRollingWindowBytes.
func New(windowBytes int) *Log {
	if windowBytes <= 0 {
		windowBytes = DefaultRollingWindowBytes
	}
	return &Log{
		ring: ringbuffer.New(windowBytes),
	}
}

// Append adds data to both the rolling window and the accumulator. It is
// the PTY reader's exclusive write path; outputlog never shrinks the
// accumulator.
func (l *Log) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.acc = append(l.acc, data...)

	// The ring buffer's capacity is fixed; a write larger than the free
	// space writes as much as it can hold and returns an error, and a
	// write against an already-full buffer writes nothing and returns
	// ErrIsFull. Evict the oldest bytes and retry so the window always
	// holds the most recent bytes.
	remaining := data
	for len(remaining) > 0 {
		n, err := l.ring.Write(remaining)
		remaining = remaining[n:]
		if err != nil && n == 0 && !errors.Is(err, ringbuffer.ErrIsFull) {
			return
		}
		if len(remaining) == 0 {
			break
		}
		l.evictOldest(len(remaining))
	}
}

// evictOldest discards up to n bytes from the front of the ring buffer to
// make room for new writes, matching a rolling (not blocking) window.
func (l *Log) evictOldest(n int) {
	discard := make([]byte, n)
	for n > 0 {
		read, err := l.ring.Read(discard[:n])
		if read == 0 || err != nil {
			return
		}
		n -= read
	}
}

// Window returns a copy of the current rolling-window contents, oldest
// byte first, without disturbing the ring buffer. internal/scanner does
// not call it; the scanner tracks its own carry buffer instead.
func (l *Log) Window() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Bytes()
}

// Len returns the total number of bytes ever appended (the accumulator's
// length), used for `status` byte_count and `output` truncation math.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.acc)
}

// Output returns the full accumulator contents, or (when tail > 0) only
// its last tail bytes, plus whether the result was truncated.
func (l *Log) Output(tail int) (text []byte, truncated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tail <= 0 || tail >= len(l.acc) {
		out := make([]byte, len(l.acc))
		copy(out, l.acc)
		return out, false
	}
	start := len(l.acc) - tail
	out := make([]byte, tail)
	copy(out, l.acc[start:])
	return out, true
}
