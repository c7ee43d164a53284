// Package navigator opens browser tabs, waits for them to finish loading and
// keeps them on a wanted URL.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/retry"
	"github.com/dgnsrekt/tokenharvester/internal/types"
)

const (
	DefaultLoadTimeout   = 5000 * time.Millisecond
	DefaultURLAttempts   = 3
	DefaultURLRetryDelay = 100 * time.Millisecond

	blankURL = "about:blank"

	// eventBuffer bounds the events queued for a single wait. Events for
	// other tabs are discarded by the waiter, so only a burst can fill it.
	eventBuffer = 128
)

// Browser is the tab-management surface the navigator drives.
type Browser interface {
	types.TabEventSource
	CreateTab(ctx context.Context, url string) (types.TabHandle, error)
	NavigateTab(ctx context.Context, tabID, url string) error
	CloseTab(ctx context.Context, tabID string) error
}

// Config tunes load waiting and URL correction.
type Config struct {
	LoadTimeout   time.Duration
	URLAttempts   int
	URLRetryDelay time.Duration
}

// Navigator opens and steers tabs for one harvest at a time.
type Navigator struct {
	browser Browser
	cfg     Config
	sleep   retry.Sleeper
}

// LoadTimeoutError reports a tab that did not finish loading in time.
type LoadTimeoutError struct {
	Tab     types.TabHandle
	Timeout time.Duration
}

func (e *LoadTimeoutError) Error() string {
	return fmt.Sprintf("tab %s did not finish loading within %s (url=%q)", e.Tab.ID, e.Timeout, e.Tab.URL)
}

// RedirectError reports a tab that settled on a different URL than requested.
type RedirectError struct {
	Want string
	Got  string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("loaded url is different than requested (%s != %s)", e.Got, e.Want)
}

// New returns a Navigator; zero Config fields take the defaults.
func New(b Browser, cfg Config) *Navigator {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.URLAttempts < 1 {
		cfg.URLAttempts = DefaultURLAttempts
	}
	if cfg.URLRetryDelay <= 0 {
		cfg.URLRetryDelay = DefaultURLRetryDelay
	}
	return &Navigator{browser: b, cfg: cfg}
}

// OpenAt creates a tab at url and waits for it to load. On a load timeout
// the returned handle is still valid so the caller can close the tab.
func (n *Navigator) OpenAt(ctx context.Context, url string) (types.TabHandle, error) {
	w, err := n.watch()
	if err != nil {
		return types.TabHandle{}, err
	}
	defer w.close()

	slog.Debug("tab state", "state", "opening", "url", url)
	tab, err := n.browser.CreateTab(ctx, url)
	if err != nil {
		return types.TabHandle{}, err
	}
	if tab.URL == "" {
		tab.URL = url
	}
	slog.Debug("tab state", "state", "loading", "tab_id", tab.ID, "url", url)

	if err := w.await(ctx, &tab, url, n.cfg.LoadTimeout); err != nil {
		return tab, err
	}
	slog.Info("tab opened", "tab_id", tab.ID, "url", tab.URL)
	return tab, nil
}

// WaitForLoad waits until tab reports a completed load or timeout elapses.
// The event subscription lives exactly as long as the wait.
func (n *Navigator) WaitForLoad(ctx context.Context, tab *types.TabHandle, timeout time.Duration) error {
	w, err := n.watch()
	if err != nil {
		return err
	}
	defer w.close()
	return w.await(ctx, tab, "", timeout)
}

// RedirectAndWait points tab at url and waits for the new load.
func (n *Navigator) RedirectAndWait(ctx context.Context, tab *types.TabHandle, url string, timeout time.Duration) error {
	w, err := n.watch()
	if err != nil {
		return err
	}
	defer w.close()

	if err := n.browser.NavigateTab(ctx, tab.ID, url); err != nil {
		return err
	}
	slog.Debug("tab state", "state", "loading", "tab_id", tab.ID, "url", url)
	return w.await(ctx, tab, url, timeout)
}

// EnsureURL makes sure tab rests on target, redirecting it when needed.
// Pages may bounce through an intermediate redirect, so the check is retried.
func (n *Navigator) EnsureURL(ctx context.Context, tab *types.TabHandle, target string) error {
	attempt := 0
	_, err := retry.Run(ctx, retry.Policy{
		Delay:    n.cfg.URLRetryDelay,
		Attempts: n.cfg.URLAttempts,
		Sleep:    n.sleep,
		Name:     "ensure_url",
	}, func(ctx context.Context) (struct{}, error) {
		attempt++
		if tab.URL == target {
			return struct{}{}, nil
		}

		slog.Info("redirecting tab to target url", "tab_id", tab.ID, "attempt", attempt, "from", tab.URL, "to", target)
		if err := n.RedirectAndWait(ctx, tab, target, n.cfg.LoadTimeout); err != nil {
			return struct{}{}, err
		}
		if tab.URL != target {
			slog.Debug("tab state", "state", "url_mismatch", "tab_id", tab.ID, "url", tab.URL)
			redirect := &RedirectError{Want: target, Got: tab.URL}
			return struct{}{}, types.NewError(types.CodeUnexpectedRedirect, redirect.Error(), redirect)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	slog.Debug("tab state", "state", "url_confirmed", "tab_id", tab.ID, "url", tab.URL)
	return nil
}

// Close closes the tab.
func (n *Navigator) Close(ctx context.Context, tab types.TabHandle) error {
	if !tab.Valid() {
		return nil
	}
	if err := n.browser.CloseTab(ctx, tab.ID); err != nil {
		return err
	}
	slog.Debug("tab state", "state", "closed", "tab_id", tab.ID)
	return nil
}

// loadWatch is a tab-event subscription scoped to one wait.
type loadWatch struct {
	events      chan types.TabEvent
	unsubscribe func()
	once        sync.Once
}

func (n *Navigator) watch() (*loadWatch, error) {
	w := &loadWatch{events: make(chan types.TabEvent, eventBuffer)}
	unsubscribe, err := n.browser.SubscribeTabEvents(func(ev types.TabEvent) {
		select {
		case w.events <- ev:
		default:
			slog.Debug("tab event dropped, waiter buffer full", "tab_id", ev.TabID, "status", ev.Status)
		}
	})
	if err != nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "subscribe to tab events failed", err)
	}
	w.unsubscribe = unsubscribe
	return w, nil
}

func (w *loadWatch) close() {
	w.once.Do(func() {
		if w.unsubscribe != nil {
			w.unsubscribe()
		}
	})
}

// await blocks until a complete event for tab arrives. When requested is a
// real page, completions of the initial blank document are ignored.
func (w *loadWatch) await(ctx context.Context, tab *types.TabHandle, requested string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	lastURL := ""
	for {
		select {
		case ev := <-w.events:
			if ev.TabID != tab.ID {
				continue
			}
			if ev.URL != "" {
				lastURL = ev.URL
			}
			if ev.Status != types.TabStatusComplete {
				continue
			}
			if requested != "" && requested != blankURL && lastURL == blankURL {
				continue
			}
			if lastURL != "" {
				tab.URL = lastURL
			}
			return nil
		case <-timer.C:
			te := &LoadTimeoutError{Tab: *tab, Timeout: timeout}
			return types.NewError(types.CodeTimeout, te.Error(), te)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				te := &LoadTimeoutError{Tab: *tab, Timeout: timeout}
				return types.NewError(types.CodeTimeout, te.Error(), ctx.Err())
			}
			return fmt.Errorf("wait for tab %s load: %w", tab.ID, ctx.Err())
		}
	}
}
