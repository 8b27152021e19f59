// Command axiomctl is an interactive line-editing client for manually
// exercising the five axiom_* RPCs against a running axiomd process. It
// launches axiomd as a child, speaks the newline-delimited JSON-RPC
// protocol over its stdin/stdout, and renders responses with a small
// ANSI color palette.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/chzyer/readline"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

// client wraps one axiomd subprocess and the newline-delimited JSON-RPC
// channel to it.
type client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner
	nextID int64
}

func main() {
	daemonPath := "axiomd"
	if len(os.Args) > 1 {
		daemonPath = os.Args[1]
	}

	c, err := dial(daemonPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "axiomctl: %v\n", err)
		os.Exit(1)
	}
	defer c.cmd.Process.Kill()

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "axiomd")
	_ = os.MkdirAll(cacheDir, 0755)

	fmt.Println(ansiBold + ansiCyan + "axiomctl" + ansiReset + " — supervisor control shell " +
		ansiDim + "(spawn/send/status/output/interrupt | exit or Ctrl-D to quit)" + ansiReset)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ansiCyan + "axiom>" + ansiReset + " ",
		HistoryFile:       filepath.Join(cacheDir, "axiomctl_history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			break
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := c.runCommand(input); err != nil {
			fmt.Println(ansiRed + "error: " + err.Error() + ansiReset)
		}
	}
}

func dial(daemonPath string) (*client, error) {
	cmd := exec.Command(daemonPath)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", daemonPath, err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &client{cmd: cmd, stdin: stdin, reader: scanner}, nil
}

// call sends one JSON-RPC request with method and params and returns the
// decoded response's result or error.
func (c *client) call(method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  json.RawMessage(raw),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("axiomd closed the connection")
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

// runCommand parses one typed line into an axiom_* RPC call and prints
// the result. Supported forms:
//
//	spawn <prompt...>
//	send <task_id> <message...>
//	status [task_id]
//	output <task_id> [tail]
//	interrupt <task_id> [force]
func (c *client) runCommand(line string) error {
	fields := strings.SplitN(line, " ", 2)
	verb := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch verb {
	case "spawn":
		result, err := c.call("axiom_spawn", map[string]interface{}{"prompt": rest})
		if err != nil {
			return err
		}
		fmt.Println(ansiGreen + string(result) + ansiReset)

	case "send":
		id, msg, ok := splitTwo(rest)
		if !ok || msg == "" {
			return fmt.Errorf("usage: send <task_id> <message>")
		}
		if _, err := c.call("axiom_send", map[string]interface{}{"task_id": id, "message": msg}); err != nil {
			return err
		}
		fmt.Println(ansiDim + "sent" + ansiReset)

	case "status":
		params := map[string]interface{}{}
		if rest != "" {
			params["task_id"] = rest
		}
		result, err := c.call("axiom_status", params)
		if err != nil {
			return err
		}
		fmt.Println(ansiYellow + string(result) + ansiReset)

	case "output":
		id, tailStr, _ := splitTwo(rest)
		if id == "" {
			return fmt.Errorf("usage: output <task_id> [tail]")
		}
		params := map[string]interface{}{"task_id": id}
		if tailStr != "" {
			n, err := strconv.Atoi(tailStr)
			if err != nil {
				return fmt.Errorf("tail must be an integer: %w", err)
			}
			params["tail"] = n
		}
		result, err := c.call("axiom_output", params)
		if err != nil {
			return err
		}
		fmt.Println(string(result))

	case "interrupt":
		id, forceStr, _ := splitTwo(rest)
		if id == "" {
			return fmt.Errorf("usage: interrupt <task_id> [force]")
		}
		params := map[string]interface{}{"task_id": id}
		if forceStr == "force" {
			params["force"] = true
		}
		if _, err := c.call("axiom_interrupt", params); err != nil {
			return err
		}
		fmt.Println(ansiDim + "interrupted" + ansiReset)

	default:
		return fmt.Errorf("unknown command %q (try spawn/send/status/output/interrupt)", verb)
	}
	return nil
}

// splitTwo splits s on the first space into two fields; with no space,
// second is empty. ok is false only if the first field is empty.
func splitTwo(s string) (first, second string, ok bool) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}
