// Command harvest reads the session token once, notifies and prints the
// result as JSON. It exits non-zero when no token was read.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgnsrekt/tokenharvester/internal/app"
	"github.com/dgnsrekt/tokenharvester/internal/config"
)

func main() {
	showToken := flag.Bool("show-token", false, "print the full token instead of a masked one")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load harvester config", "error", err)
		os.Exit(1)
	}
	// stdout carries the result.
	if err := app.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start harvester", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}

	runErr := app.RunOnce(ctx, a.Service, os.Stdout, *showToken)
	if err := a.Close(); err != nil {
		slog.Debug("harvester close failed", "error", err)
	}
	if runErr != nil {
		slog.Error("harvest failed", "error", runErr)
		os.Exit(1)
	}
}
