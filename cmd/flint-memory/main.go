// ABOUTME: Entry point for the flint-memory MCP server.
// ABOUTME: Serves the memory tools over stdio; all logging goes to stderr.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flinthq/flint/internal/config"
	"github.com/flinthq/flint/internal/memory"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath      = flag.String("db", "", "memory database path (default $FLINT_MEMORY_DB or ~/.flint/memory.db)")
		logLevel    = flag.String("log-level", "warn", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	path := *dbPath
	if path == "" {
		path = os.Getenv("FLINT_MEMORY_DB")
	}
	if path == "" {
		path = config.DefaultMemoryDBPath()
	}

	// Stdout carries the protocol; everything else goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	store, err := memory.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := memory.NewServer(memory.ServerOptions{
		Store:   store,
		In:      os.Stdin,
		Out:     os.Stdout,
		Version: version,
		Logger:  logger,
	})
	return srv.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
