package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/api"
	"github.com/dgnsrekt/tokenharvester/internal/app"
	"github.com/dgnsrekt/tokenharvester/internal/config"
	"github.com/dgnsrekt/tokenharvester/internal/events"
	"github.com/dgnsrekt/tokenharvester/internal/netutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load harvester config", "error", err)
		os.Exit(1)
	}

	if err := app.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("harvester config loaded",
		"cdp_url", cfg.CDPURL(),
		"backend", cfg.Backend,
		"target_url", cfg.TargetURL,
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"load_timeout_ms", cfg.LoadTimeoutMS,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"diagnostics_dir", cfg.DiagnosticsDir,
		"history_dir", cfg.HistoryDir,
		"ntfy", cfg.NtfyEndpoint != "",
		"launch_browser", cfg.LaunchBrowser,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(connectCtx, cfg)
	connectCancel()
	if err != nil {
		slog.Error("failed to start harvester", "cdp_url", cfg.CDPURL(), "error", err)
		_ = ln.Close()
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Debug("harvester close failed", "error", err)
		}
	}()

	srv := &http.Server{Handler: api.NewServer(a.Service, events.SSEHandler(a.Events)), ReadHeaderTimeout: 10 * time.Second}
	addr := ln.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("harvester listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("harvester shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("harvester server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("harvester shutdown failed", "error", err)
	}
}
