// Package rpcserver is the reference stdio transport binding the
// supervisor to the five operations advertised as tool names:
// axiom_spawn, axiom_send, axiom_status, axiom_output, axiom_interrupt.
// It is a minimal newline-delimited JSON-RPC-2.0-shaped framing; the
// exact wire framing is not part of the core supervisor contract, so
// this package exists only as the runnable reference binding cmd/axiomd
// and cmd/axiomctl exercise — a production deployment is free to swap it
// for a different transport entirely.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/corvidlabs/axiomd/internal/router"
	"github.com/corvidlabs/axiomd/internal/types"
)

// Request is one newline-delimited JSON-RPC-2.0-shaped request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one newline-delimited JSON-RPC-2.0-shaped response. Exactly
// one of Result or Error is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors the JSON-RPC-2.0 error object shape.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes, loosely following the JSON-RPC-2.0 reserved codes for
// "parse error" (-32700), "method not found" (-32601) and "invalid
// params" (-32602); axiomd's own sentinel errors (types.ErrNotFound etc.)
// are reported as -32001 through -32004, and any other error as -32000,
// in the implementation-defined server-error range.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server reads newline-delimited Requests from r, dispatches each to the
// matching Supervisor operation, and writes newline-delimited Responses
// to w. One Server serves one stdio session; requests are processed
// sequentially in arrival order — concurrency comes from the
// Supervisor's own non-blocking Spawn contract, not from parallel
// request handling here.
type Server struct {
	sup *router.Supervisor
	in  *bufio.Scanner
	out io.Writer
}

// New builds a Server reading requests from r and writing responses to w.
func New(sup *router.Supervisor, r io.Reader, w io.Writer) *Server {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Server{sup: sup, in: scanner, out: w}
}

// Serve processes requests until r is exhausted or ctx is cancelled,
// returning the first I/O error encountered (exit code 1 in cmd/axiomd).
func (s *Server) Serve(ctx context.Context) error {
	for s.in.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handle(ctx, line)
		if err := s.write(resp); err != nil {
			return fmt.Errorf("rpcserver: write: %w", err)
		}
	}
	return s.in.Err()
}

func (s *Server) write(resp Response) error {
	resp.JSONRPC = "2.0"
	enc, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	enc = append(enc, '\n')
	_, err = s.out.Write(enc)
	return err
}

func (s *Server) handle(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: &RPCError{Code: codeParseError, Message: err.Error()}}
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		return Response{ID: req.ID, Error: toRPCError(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req Request) (interface{}, error) {
	switch req.Method {
	case "axiom_spawn":
		return s.handleSpawn(ctx, req.Params)
	case "axiom_send":
		return s.handleSend(req.Params)
	case "axiom_status":
		return s.handleStatus(req.Params)
	case "axiom_output":
		return s.handleOutput(req.Params)
	case "axiom_interrupt":
		return s.handleInterrupt(req.Params)
	default:
		return nil, &methodNotFoundError{method: req.Method}
	}
}

type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) Error() string { return fmt.Sprintf("unknown method %q", e.method) }

type spawnParams struct {
	Prompt  string     `json:"prompt"`
	Verbose bool       `json:"verbose"`
	Tags    types.Tags `json:"tags,omitempty"`
}

func (s *Server) handleSpawn(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p spawnParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &invalidParamsError{err}
	}
	if p.Prompt == "" {
		return nil, &invalidParamsError{fmt.Errorf("prompt must not be empty")}
	}
	task, err := s.sup.Spawn(ctx, p.Prompt, types.SpawnOptions{Verbose: p.Verbose, Tags: p.Tags})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": task.ID, "state": task.State}, nil
}

type sendParams struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

func (s *Server) handleSend(raw json.RawMessage) (interface{}, error) {
	var p sendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &invalidParamsError{err}
	}
	if err := s.sup.Send(p.TaskID, p.Message); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type statusParams struct {
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) handleStatus(raw json.RawMessage) (interface{}, error) {
	var p statusParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &invalidParamsError{err}
		}
	}
	tasks, err := s.sup.Status(p.TaskID)
	if err != nil {
		return nil, err
	}
	if p.TaskID != "" {
		return tasks[0], nil
	}
	return tasks, nil
}

type outputParams struct {
	TaskID string `json:"task_id"`
	Tail   int    `json:"tail,omitempty"`
}

func (s *Server) handleOutput(raw json.RawMessage) (interface{}, error) {
	var p outputParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &invalidParamsError{err}
	}
	text, truncated, err := s.sup.Output(p.TaskID, p.Tail)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"text": string(text), "truncated": truncated}, nil
}

type interruptParams struct {
	TaskID string `json:"task_id"`
	Force  bool   `json:"force,omitempty"`
}

func (s *Server) handleInterrupt(raw json.RawMessage) (interface{}, error) {
	var p interruptParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &invalidParamsError{err}
	}
	if err := s.sup.Interrupt(p.TaskID, types.InterruptOptions{Force: p.Force}); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type invalidParamsError struct{ err error }

func (e *invalidParamsError) Error() string { return e.err.Error() }
func (e *invalidParamsError) Unwrap() error { return e.err }

func toRPCError(err error) *RPCError {
	switch err.(type) {
	case *methodNotFoundError:
		return &RPCError{Code: codeMethodNotFound, Message: err.Error()}
	case *invalidParamsError:
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	switch {
	case errors.Is(err, types.ErrNotFound):
		return &RPCError{Code: codeServerError - 1, Message: err.Error()}
	case errors.Is(err, types.ErrNotRunning):
		return &RPCError{Code: codeServerError - 2, Message: err.Error()}
	case errors.Is(err, types.ErrChildGone):
		return &RPCError{Code: codeServerError - 3, Message: err.Error()}
	case errors.Is(err, types.ErrExecFailure):
		return &RPCError{Code: codeServerError - 4, Message: err.Error()}
	default:
		log.Printf("[RPC] unclassified error: %v", err)
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}
