// Package app assembles the harvester from configuration. Both binaries
// build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/agent"
	"github.com/dgnsrekt/tokenharvester/internal/browser"
	"github.com/dgnsrekt/tokenharvester/internal/cdp"
	"github.com/dgnsrekt/tokenharvester/internal/cdpcontrol"
	"github.com/dgnsrekt/tokenharvester/internal/config"
	"github.com/dgnsrekt/tokenharvester/internal/controller"
	"github.com/dgnsrekt/tokenharvester/internal/diagnostics"
	"github.com/dgnsrekt/tokenharvester/internal/events"
	"github.com/dgnsrekt/tokenharvester/internal/harvest"
	"github.com/dgnsrekt/tokenharvester/internal/history"
	"github.com/dgnsrekt/tokenharvester/internal/navigator"
	"github.com/dgnsrekt/tokenharvester/internal/notify"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Backend is what a CDP driver must offer to run harvests.
type Backend interface {
	navigator.Browser
	agent.PageStorage
	diagnostics.Screenshotter
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*cdpcontrol.Client)(nil)
	_ Backend = (*cdp.Client)(nil)
)

type App struct {
	Backend   Backend
	Harvester *harvest.Harvester
	Service   *controller.Service
	Notifier  notify.Notifier
	Events    *events.Broker

	launcher *browser.Launcher
	journal  *history.Journal
}

// NewBackend returns the driver named by cfg.Backend, not yet connected.
func NewBackend(cfg *config.HarvestConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendRaw:
		return cdpcontrol.NewClient(cfg.CDPURL(), cfg.EvalTimeout()), nil
	case config.BackendChromedp:
		return cdp.NewClient(cfg.CDPURL(), cfg.EvalTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown CDP backend %q", cfg.Backend)
	}
}

// NewNotifier always logs and also posts to ntfy when an endpoint is set.
func NewNotifier(cfg *config.HarvestConfig) notify.Notifier {
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.NtfyEndpoint != "" {
		notifiers = append(notifiers, &notify.NtfyNotifier{
			Endpoint: cfg.NtfyEndpoint,
			Client:   &http.Client{Timeout: 10 * time.Second},
		})
	}
	return notifiers
}

// AgentConfig maps the harvester settings onto the page agent. A configured
// retry count of zero means a single lookup.
func AgentConfig(cfg *config.HarvestConfig) agent.Config {
	retries := cfg.AgentRetries
	if retries == 0 {
		retries = agent.NoRetries
	}
	return agent.Config{
		PrimaryKey:  cfg.PrimaryKey,
		FallbackKey: cfg.FallbackKey,
		RetryDelay:  cfg.AgentRetryDelay(),
		MaxRetries:  retries,
	}
}

// New launches the browser when asked to, connects the backend and wires the
// harvest pipeline.
func New(ctx context.Context, cfg *config.HarvestConfig) (*App, error) {
	a := &App{Notifier: NewNotifier(cfg), Events: events.NewBroker()}

	if cfg.LaunchBrowser {
		a.launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
			Headless:   cfg.BrowserHeadless,
		})
		if err := a.launcher.Launch(ctx); err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	}

	backend, err := NewBackend(cfg)
	if err != nil {
		a.stopBrowser()
		return nil, err
	}
	if err := backend.Connect(ctx); err != nil {
		a.stopBrowser()
		return nil, err
	}
	a.Backend = backend

	nav := navigator.New(backend, navigator.Config{
		LoadTimeout:   cfg.LoadTimeout(),
		URLAttempts:   cfg.URLRetries,
		URLRetryDelay: cfg.URLRetryDelay(),
	})
	dispatcher := agent.NewDispatcher(backend, AgentConfig(cfg))

	opts := harvest.Options{TargetURL: cfg.TargetURL, CloseTimeout: cfg.CloseTimeout()}
	var captures *diagnostics.Store
	if cfg.DiagnosticsDir != "" {
		captures, err = diagnostics.NewStore(cfg.DiagnosticsDir)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		opts.Recorder = diagnostics.NewRecorder(captures, backend)
	}

	a.Harvester = harvest.New(nav, dispatcher, opts)
	a.Service = controller.NewService(a.Harvester, backend, a.Notifier, captures)
	a.Service.SetPublisher(a.Events)
	if cfg.HistoryDir != "" {
		a.journal = history.NewJournal(cfg.HistoryDir, 64, 10)
		a.Service.SetJournal(a.journal)
	}
	return a, nil
}

// Close flushes the journal, drops the backend connection and stops a
// browser this app launched.
func (a *App) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	a.stopBrowser()
	return errors.Join(errs...)
}

func (a *App) stopBrowser() {
	if a.launcher != nil && a.launcher.Running() {
		a.launcher.Stop()
	}
}

// SetupLogger installs a text slog handler writing to console and a rotating
// log file. An empty filename logs to console only.
func SetupLogger(console io.Writer, level, filename string) error {
	out := console
	if filename != "" {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return err
		}
		out = io.MultiWriter(console, &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		})
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(level)})
	slog.SetDefault(slog.New(h))
	return nil
}

func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
