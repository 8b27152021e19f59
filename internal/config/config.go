// Package config loads axiomd's startup configuration: an optional TOML
// rule/policy file (github.com/BurntSushi/toml), a best-effort .env load
// (github.com/joho/godotenv), and environment-variable overrides for
// every scalar. A bad regex, a missing child binary, or a malformed TOML
// document is a configuration error: the caller exits 2, never refusing
// only part of the config.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/corvidlabs/axiomd/internal/types"
)

// Defaults for every tunable scalar.
const (
	DefaultRingBufferBytes       = 65536
	DefaultMaxLineBytes          = 8192
	DefaultMaxInterventions      = 20
	DefaultMinDeliverySpacingMs  = 250
	DefaultBackpressureTimeoutMs = 2000
	DefaultShutdownGraceMs       = 5000
)

// Config is the fully resolved, validated startup configuration.
type Config struct {
	ChildCommand string   `toml:"command"`
	ChildArgs    []string `toml:"args"`

	RingBufferBytes       int `toml:"ring_buffer_bytes"`
	MaxLineBytes          int `toml:"max_line_bytes"`
	MaxInterventions      int `toml:"max_interventions_per_task"`
	MinDeliverySpacingMs  int `toml:"min_delivery_spacing_ms"`
	BackpressureTimeoutMs int `toml:"backpressure_timeout_ms"`
	ShutdownGraceMs       int `toml:"shutdown_grace_ms"`

	Rules []types.PatternRule `toml:"rules"`

	// StateDir holds debug logs, history, and per-task artifacts, under
	// ~/.cache/axiomd by default.
	StateDir string `toml:"-"`
}

// fileSchema is the TOML document shape; [child] is a nested table so a
// rules file reads naturally as:
//
//	[child]
//	command = "claude"
//	args = ["--print"]
//
//	[[rules]]
//	id = "planning-drift"
//	match = "I('ll| will) (analyze|think|consider)"
//	action = "inject"
//	payload = "Stop planning. Create the file now."
//	priority = 10
//	cooldown_ms = 5000
type fileSchema struct {
	Child struct {
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
	} `toml:"child"`
	RingBufferBytes       int                 `toml:"ring_buffer_bytes"`
	MaxLineBytes          int                 `toml:"max_line_bytes"`
	MaxInterventions      int                 `toml:"max_interventions_per_task"`
	MinDeliverySpacingMs  int                 `toml:"min_delivery_spacing_ms"`
	BackpressureTimeoutMs int                 `toml:"backpressure_timeout_ms"`
	ShutdownGraceMs       int                 `toml:"shutdown_grace_ms"`
	Rules                 []types.PatternRule `toml:"rules"`
}

// bundledRules are loaded when a config file either doesn't exist or
// declares no [[rules]] table of its own — so axiomd runs usefully with
// zero configuration.
func bundledRules() []types.PatternRule {
	return []types.PatternRule{
		{
			ID:         "planning-drift",
			Match:      `I('ll| will) (analyze|think|consider)`,
			Action:     types.ActionInject,
			Payload:    "Stop planning. Create the file now.",
			Priority:   10,
			CooldownMs: 5000,
		},
		{
			ID:         "todo-marker",
			Match:      `\bTODO\b|\bFIXME\b`,
			Action:     types.ActionInject,
			Payload:    "No TODOs. Implement now.",
			Priority:   5,
			CooldownMs: 1000,
		},
		{
			ID:          "stall-check",
			Action:      types.ActionInject,
			Payload:     "Still there? Produce output.",
			Priority:    1,
			Stall:       true,
			ThresholdMs: 10000,
		},
	}
}

// Load reads path (if it exists), applies environment variable
// overrides, fills in defaults, and validates the result. path may be
// empty, in which case only environment and defaults apply.
//
// Expectations:
//   - A missing path is not an error: defaults + env apply
//   - A malformed TOML document is an error
//   - Every rule's regex must compile, or Load fails naming the rule
//   - ChildCommand must resolve via exec.LookPath or be an existing file
//   - env vars always win over file values, which win over defaults
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	var doc fileSchema
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &doc); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg := &Config{
		ChildCommand:          firstNonEmpty(os.Getenv("AXIOMD_CHILD_COMMAND"), doc.Child.Command, "claude"),
		ChildArgs:             doc.Child.Args,
		RingBufferBytes:       firstPositiveInt(envInt("AXIOMD_RING_BUFFER_BYTES"), doc.RingBufferBytes, DefaultRingBufferBytes),
		MaxLineBytes:          firstPositiveInt(envInt("AXIOMD_MAX_LINE_BYTES"), doc.MaxLineBytes, DefaultMaxLineBytes),
		MaxInterventions:      firstPositiveInt(envInt("AXIOMD_MAX_INTERVENTIONS_PER_TASK"), doc.MaxInterventions, DefaultMaxInterventions),
		MinDeliverySpacingMs:  firstPositiveInt(envInt("AXIOMD_MIN_DELIVERY_SPACING_MS"), doc.MinDeliverySpacingMs, DefaultMinDeliverySpacingMs),
		BackpressureTimeoutMs: firstPositiveInt(envInt("AXIOMD_BACKPRESSURE_TIMEOUT_MS"), doc.BackpressureTimeoutMs, DefaultBackpressureTimeoutMs),
		ShutdownGraceMs:       firstPositiveInt(envInt("AXIOMD_SHUTDOWN_GRACE_MS"), doc.ShutdownGraceMs, DefaultShutdownGraceMs),
		Rules:                 doc.Rules,
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = bundledRules()
	}

	home, _ := os.UserHomeDir()
	cfg.StateDir = firstNonEmpty(os.Getenv("AXIOMD_STATE_DIR"), filepath.Join(home, ".cache", "axiomd"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate resolves the child binary and compiles every rule's regex,
// failing fast: configuration errors are surfaced at start, and the
// supervisor refuses to run rather than limp along on a partial config.
func (c *Config) validate() error {
	if c.ChildCommand == "" {
		return fmt.Errorf("config: child.command must not be empty")
	}
	if _, err := resolveCommand(c.ChildCommand); err != nil {
		return fmt.Errorf("config: child.command %q: %w", c.ChildCommand, err)
	}
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("config: rule missing id")
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if !r.Stall {
			if _, err := regexp.Compile(r.Match); err != nil {
				return fmt.Errorf("config: rule %q: bad pattern: %w", r.ID, err)
			}
		}
		switch r.Action {
		case types.ActionInject, types.ActionInterrupt, types.ActionRecordOnly:
		default:
			return fmt.Errorf("config: rule %q: unknown action %q", r.ID, r.Action)
		}
	}
	return nil
}

// resolveCommand follows the same PATH-resolution fallback chain as the
// retrieval pack's native process spawner: literal path, then
// exec.LookPath, then a short list of common install directories.
func resolveCommand(cmd string) (string, error) {
	if _, err := os.Stat(cmd); err == nil {
		return cmd, nil
	}
	if resolved, err := exec.LookPath(cmd); err == nil {
		return resolved, nil
	}
	home, _ := os.UserHomeDir()
	for _, candidate := range []string{
		filepath.Join(home, ".local", "bin", cmd),
		"/usr/local/bin/" + cmd,
		"/usr/bin/" + cmd,
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("not found on PATH or in common install directories")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositiveInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}
