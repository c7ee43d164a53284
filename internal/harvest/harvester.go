// Package harvest runs the token harvest pipeline: open the target page in
// a new tab, make sure it stayed on the target URL, ask the page agent for
// the session entry, parse it and close the tab.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/agent"
	"github.com/dgnsrekt/tokenharvester/internal/types"
	"github.com/google/uuid"
)

const (
	DefaultTargetURL    = "https://lunarcrush.com/developers/api/coins"
	DefaultCloseTimeout = 5 * time.Second
)

// Tabs is the navigation surface the harvester drives.
type Tabs interface {
	OpenAt(ctx context.Context, url string) (types.TabHandle, error)
	EnsureURL(ctx context.Context, tab *types.TabHandle, target string) error
	Close(ctx context.Context, tab types.TabHandle) error
}

// FailureRecorder captures the state of a tab whose harvest failed. It runs
// before the tab is closed.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, tab types.TabHandle, result types.TokenReadResult) error
}

type Options struct {
	TargetURL    string
	CloseTimeout time.Duration
	Recorder     FailureRecorder
}

// Harvester owns at most one in-flight harvest.
type Harvester struct {
	tabs      Tabs
	messenger agent.Messenger
	targetURL string
	closeWait time.Duration
	recorder  FailureRecorder

	running atomic.Bool

	mu   sync.RWMutex
	last *types.TokenReadResult

	now func() time.Time
}

func New(tabs Tabs, messenger agent.Messenger, opts Options) *Harvester {
	h := &Harvester{
		tabs:      tabs,
		messenger: messenger,
		targetURL: opts.TargetURL,
		closeWait: opts.CloseTimeout,
		recorder:  opts.Recorder,
		now:       time.Now,
	}
	if h.targetURL == "" {
		h.targetURL = DefaultTargetURL
	}
	if h.closeWait <= 0 {
		h.closeWait = DefaultCloseTimeout
	}
	return h
}

// TargetURL is the page the harvester reads the session from.
func (h *Harvester) TargetURL() string { return h.targetURL }

// TryReadToken runs one harvest and delivers its result to onComplete
// exactly once. A call made while another harvest is in flight is rejected
// with a BUSY result without touching the browser.
func (h *Harvester) TryReadToken(ctx context.Context, onComplete func(types.TokenReadResult)) {
	if !h.running.CompareAndSwap(false, true) {
		res := types.Failed(types.NewError(types.CodeBusy, "a token harvest is already in progress", nil))
		res.StartedAt = h.now()
		slog.Warn("token harvest rejected", "error_code", res.ErrorCode)
		deliver(onComplete, res)
		return
	}

	res := h.run(ctx)
	h.mu.Lock()
	h.last = &res
	h.mu.Unlock()
	h.running.Store(false)

	deliver(onComplete, res)
}

// ReadToken is TryReadToken returning the result directly.
func (h *Harvester) ReadToken(ctx context.Context) types.TokenReadResult {
	var out types.TokenReadResult
	h.TryReadToken(ctx, func(res types.TokenReadResult) { out = res })
	return out
}

// Last returns the result of the most recent completed harvest.
func (h *Harvester) Last() (types.TokenReadResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return types.TokenReadResult{}, false
	}
	return *h.last, true
}

// Busy reports whether a harvest is in flight.
func (h *Harvester) Busy() bool { return h.running.Load() }

func deliver(onComplete func(types.TokenReadResult), res types.TokenReadResult) {
	if onComplete != nil {
		onComplete(res)
	}
}

func (h *Harvester) run(ctx context.Context) (res types.TokenReadResult) {
	id := uuid.NewString()
	started := h.now()
	logger := slog.With("harvest_id", id, "target_url", h.targetURL)
	logger.Info("token harvest started")

	var tab types.TabHandle
	defer func() {
		if p := recover(); p != nil {
			logger.Error("token harvest panicked", "panic", p)
			res = types.Failed(types.NewError(types.CodeInternal, fmt.Sprintf("harvest panicked: %v", p), nil))
		}
		res.HarvestID = id
		res.StartedAt = started
		res.Duration = h.now().Sub(started)
		if tab.Valid() {
			h.cleanup(ctx, logger, tab, res)
		}
		if res.Success {
			logger.Info("token found", "is_logged", res.IsLogged, "token", types.MaskToken(res.Token), "duration", res.Duration)
		} else {
			logger.Error("token harvest failed", "error_code", res.ErrorCode, "error", res.Error, "duration", res.Duration)
		}
	}()

	token, isLogged, err := h.harvest(ctx, logger, &tab)
	if err != nil {
		return types.Failed(err)
	}
	return types.Succeeded(token, isLogged)
}

func (h *Harvester) harvest(ctx context.Context, logger *slog.Logger, tab *types.TabHandle) (string, bool, error) {
	opened, err := h.tabs.OpenAt(ctx, h.targetURL)
	*tab = opened
	if err != nil {
		return "", false, err
	}
	logger = logger.With("tab_id", tab.ID)

	if err := h.tabs.EnsureURL(ctx, tab, h.targetURL); err != nil {
		return "", false, err
	}

	payload, err := h.messenger.SendMessage(ctx, *tab, agent.Request{Type: agent.TypeReadToken})
	if err != nil {
		return "", false, err
	}
	logger.Debug("tab state", "state", "message_sent", "bytes", len(payload))
	if payload == "" {
		return "", false, types.NewError(types.CodeProtocol, "no data received", nil)
	}
	return ParseSession(payload)
}

// cleanup runs on a context detached from ctx so a cancelled harvest still
// closes its tab.
func (h *Harvester) cleanup(ctx context.Context, logger *slog.Logger, tab types.TabHandle, res types.TokenReadResult) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.closeWait)
	defer cancel()

	if !res.Success && h.recorder != nil {
		if err := h.recorder.RecordFailure(cctx, tab, res); err != nil {
			logger.Warn("failure capture not saved", "tab_id", tab.ID, "error", err)
		}
	}
	if err := h.tabs.Close(cctx, tab); err != nil {
		logger.Warn("closing tab failed", "tab_id", tab.ID, "error", err)
		return
	}
	logger.Debug("tab state", "tab_id", tab.ID, "state", "closed")
}
