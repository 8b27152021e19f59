package ptyexec

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestLaunch_StreamsOutput(t *testing.T) {
	var mu sync.Mutex
	var got strings.Builder

	h, err := Launch(context.Background(), "/bin/sh", []string{"-c", "echo hello-from-child"}, nil, "",
		func(data []byte) {
			mu.Lock()
			got.Write(data)
			mu.Unlock()
		}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child to exit")
	}

	mu.Lock()
	out := got.String()
	mu.Unlock()
	if !strings.Contains(out, "hello-from-child") {
		t.Fatalf("expected output to contain greeting, got %q", out)
	}
}

func TestLaunch_ExitCodeReported(t *testing.T) {
	exitCh := make(chan int, 1)
	h, err := Launch(context.Background(), "/bin/sh", []string{"-c", "exit 7"}, nil, "", nil,
		func(code int, reason string) {
			exitCh <- code
		})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	_ = h

	select {
	case code := <-exitCh:
		if code != 7 {
			t.Fatalf("exit code = %d, want 7", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestHandle_WriteDeliversToChildStdin(t *testing.T) {
	var mu sync.Mutex
	var got strings.Builder
	lineSeen := make(chan struct{})

	h, err := Launch(context.Background(), "/bin/cat", nil, nil, "",
		func(data []byte) {
			mu.Lock()
			got.Write(data)
			seen := strings.Contains(got.String(), "ping")
			mu.Unlock()
			if seen {
				select {
				case lineSeen <- struct{}{}:
				default:
				}
			}
		}, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer h.Signal(syscall.SIGKILL)

	if err := h.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-lineSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed input")
	}
}

func TestHandle_SignalTerminatesChild(t *testing.T) {
	h, err := Launch(context.Background(), "/bin/sleep", []string{"30"}, nil, "", nil, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signaled child to exit")
	}
}

func TestLaunch_UnresolvableCommandErrors(t *testing.T) {
	if _, err := Launch(context.Background(), "/no/such/binary-xyz", nil, nil, "", nil, nil); err == nil {
		t.Fatal("expected error launching nonexistent binary")
	}
}

// TestLaunch_BackpressureTimeoutKillsChild exercises the reader-starvation
// edge case: a subscriber that never drains its chunk lets the read-side
// queue fill, and once it stays full past backpressureTimeout the child is
// killed and the exit reason reports backpressure_timeout. This blocks for
// slightly over backpressureTimeout; it exercises real time rather than a
// fake clock because the threshold is a small package constant, not an
// injectable dependency.
func TestLaunch_BackpressureTimeoutKillsChild(t *testing.T) {
	block := make(chan struct{})
	exitCh := make(chan string, 1)

	h, err := Launch(context.Background(), "/bin/sh", []string{"-c", "while true; do echo spam; done"}, nil, "",
		func(data []byte) {
			<-block // never drains; forces the chunk queue to fill
		},
		func(code int, reason string) {
			exitCh <- reason
		})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer close(block)

	select {
	case reason := <-exitCh:
		if reason != "backpressure_timeout" {
			t.Fatalf("exit reason = %q, want %q", reason, "backpressure_timeout")
		}
	case <-time.After(backpressureTimeout + 5*time.Second):
		t.Fatal("timed out waiting for backpressure-timeout exit")
	}

	if code, reason := h.ExitCode(); reason != "backpressure_timeout" {
		t.Fatalf("ExitCode() = (%d, %q), want reason %q", code, reason, "backpressure_timeout")
	}
}
