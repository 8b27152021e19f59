// Command axiomd is the supervisor process: it loads configuration,
// wires the notification bus and Supervisor together, and serves the
// five axiom_* RPCs over stdio until EOF or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/corvidlabs/axiomd/internal/bus"
	"github.com/corvidlabs/axiomd/internal/config"
	"github.com/corvidlabs/axiomd/internal/router"
	"github.com/corvidlabs/axiomd/internal/rpcserver"
)

// Exit codes: 0 clean shutdown, 1 stdio I/O error, 2 configuration error.
const (
	exitOK        = 0
	exitIOError   = 1
	exitConfigBad = 2
)

func main() {
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "axiomd: %v\n", err)
		os.Exit(exitConfigBad)
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err == nil {
		if f, err := os.OpenFile(filepath.Join(cfg.StateDir, "debug.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			log.SetOutput(f)
			defer f.Close()
		}
	}

	b := bus.New()
	sup, err := router.New(toRouterConfig(cfg), b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "axiomd: %v\n", err)
		os.Exit(exitConfigBad)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Printf("[AXIOMD] shutdown signal received, interrupting running tasks")
		sup.Shutdown(int64(cfg.ShutdownGraceMs))
		cancel()
	}()

	srv := rpcserver.New(sup, os.Stdin, os.Stdout)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "axiomd: %v\n", err)
		os.Exit(exitIOError)
	}
	os.Exit(exitOK)
}

func toRouterConfig(cfg *config.Config) router.Config {
	return router.Config{
		ChildCommand:          cfg.ChildCommand,
		ChildArgs:             cfg.ChildArgs,
		RingBufferBytes:       cfg.RingBufferBytes,
		MaxLineBytes:          cfg.MaxLineBytes,
		MaxInterventions:      cfg.MaxInterventions,
		MinDeliverySpacingMs:  int64(cfg.MinDeliverySpacingMs),
		BackpressureTimeoutMs: int64(cfg.BackpressureTimeoutMs),
		ShutdownGraceMs:       int64(cfg.ShutdownGraceMs),
		Rules:                 cfg.Rules,
	}
}
