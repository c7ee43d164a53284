// Package cdpcontrol drives harvest tabs over a raw browser-level CDP
// connection.
package cdpcontrol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/dgnsrekt/tokenharvester/internal/types"
)

const (
	blankURL           = "about:blank"
	defaultEvalTimeout = 10 * time.Second

	codeEvalFailure        = "EVAL_FAILURE"
	codeStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// transientHints are substrings of transport errors after which a fresh
// connection is worth one more try.
var transientHints = []string{
	"not connected",
	"connection closed",
	"connection reset",
	"broken pipe",
	"eof",
}

type tabSession struct {
	targetID  string
	sessionID string
}

// Client owns the tabs it creates. Tab ids are CDP target ids.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration
	cdp         *rawCDP

	mu        sync.Mutex
	tabs      map[string]*tabSession
	bySession map[string]string
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = defaultEvalTimeout
	}
	c := &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		cdp:         newRawCDP(cdpURL),
		tabs:        make(map[string]*tabSession),
		bySession:   make(map[string]string),
	}
	c.cdp.registerEventHandler(cdproto.EventTargetDetachedFromTarget, c.onDetached)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	if c.cdpURL == "" {
		return types.NewError(types.CodeCDPUnavailable, "missing CDP URL", nil)
	}
	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL)
	return nil
}

// Close closes every tab the client still owns and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	owned := make([]string, 0, len(c.tabs))
	for id := range c.tabs {
		owned = append(owned, id)
	}
	c.tabs = make(map[string]*tabSession)
	c.bySession = make(map[string]string)
	c.mu.Unlock()

	for _, id := range owned {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.cdp.closeTarget(ctx, id); err != nil {
			slog.Debug("cdpcontrol close cleanup failed", "tab_id", id, "error", err)
		}
		cancel()
	}
	return c.cdp.close()
}

// Ping reports whether the browser connection is usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.ensureConnected(ctx)
}

// CreateTab opens a blank target, attaches to it and then navigates it to
// url so that the page events of the real load are observed. On failure no
// target is left behind.
func (c *Client) CreateTab(ctx context.Context, url string) (types.TabHandle, error) {
	tab, err := c.createTab(ctx, url)
	if err == nil || !shouldRetry(err) {
		return tab, err
	}
	slog.Warn("cdpcontrol create tab retry after transient failure", "error", err)
	if closeErr := c.cdp.close(); closeErr != nil {
		slog.Debug("cdpcontrol close before retry failed", "error", closeErr)
	}
	return c.createTab(ctx, url)
}

func (c *Client) createTab(ctx context.Context, url string) (types.TabHandle, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return types.TabHandle{}, err
	}

	targetID, err := c.cdp.createTarget(ctx, blankURL)
	if err != nil {
		return types.TabHandle{}, types.NewError(types.CodeCDPUnavailable, "create target failed", err)
	}
	sessionID, err := c.cdp.attachToTarget(ctx, targetID)
	if err != nil {
		c.discardTarget(targetID)
		return types.TabHandle{}, types.NewError(types.CodeCDPUnavailable, "attach to target failed", err)
	}
	if err := c.cdp.enablePage(ctx, sessionID); err != nil {
		c.discardTarget(targetID)
		return types.TabHandle{}, types.NewError(types.CodeCDPUnavailable, "enable page domain failed", err)
	}

	c.mu.Lock()
	c.tabs[targetID] = &tabSession{targetID: targetID, sessionID: sessionID}
	c.bySession[sessionID] = targetID
	c.mu.Unlock()
	slog.Debug("cdpcontrol tab created", "tab_id", targetID, "session_id", sessionID)

	if err := c.cdp.navigate(ctx, sessionID, url); err != nil {
		c.forgetTab(targetID)
		c.discardTarget(targetID)
		return types.TabHandle{}, types.NewError(types.CodeCDPUnavailable, "navigate new tab failed", err)
	}
	return types.TabHandle{ID: targetID, URL: blankURL}, nil
}

func (c *Client) NavigateTab(ctx context.Context, tabID, url string) error {
	session, err := c.session(ctx, tabID)
	if err != nil {
		return err
	}
	slog.Debug("cdpcontrol navigate", "tab_id", tabID, "url", url)
	if err := c.cdp.navigate(ctx, session.sessionID, url); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "navigate failed", err)
	}
	return nil
}

func (c *Client) CloseTab(ctx context.Context, tabID string) error {
	if strings.TrimSpace(tabID) == "" {
		return types.NewError(types.CodeValidation, "tab id is required", nil)
	}
	c.forgetTab(tabID)
	if err := c.cdp.closeTarget(ctx, tabID); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "close target failed", err)
	}
	slog.Debug("cdpcontrol tab closed", "tab_id", tabID)
	return nil
}

// SubscribeTabEvents delivers load events of tabs owned by the client.
func (c *Client) SubscribeTabEvents(fn func(types.TabEvent)) (func(), error) {
	if fn == nil {
		return nil, types.NewError(types.CodeValidation, "tab event handler is required", nil)
	}
	offNav := c.cdp.registerEventHandler(cdproto.EventPageFrameNavigated, func(sessionID string, params json.RawMessage) {
		tabID, ok := c.tabForSession(sessionID)
		if !ok {
			return
		}
		if ev, ok := frameNavigatedEvent(tabID, params); ok {
			fn(ev)
		}
	})
	offLoad := c.cdp.registerEventHandler(cdproto.EventPageLoadEventFired, func(sessionID string, _ json.RawMessage) {
		tabID, ok := c.tabForSession(sessionID)
		if !ok {
			return
		}
		fn(loadEventFired(tabID))
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			offNav()
			offLoad()
		})
	}, nil
}

// GetItem reads one local storage entry of the tab's page.
func (c *Client) GetItem(ctx context.Context, tabID, key string) (string, bool, error) {
	var item storageItem
	if err := c.evalOnTab(ctx, tabID, jsGetLocalStorageItem(key), &item); err != nil {
		return "", false, err
	}
	return item.Value, item.Found, nil
}

// CaptureScreenshot returns a png of the tab's viewport.
func (c *Client) CaptureScreenshot(ctx context.Context, tabID string) ([]byte, error) {
	session, err := c.session(ctx, tabID)
	if err != nil {
		return nil, err
	}
	data, err := c.cdp.captureScreenshot(ctx, session.sessionID)
	if err != nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "capture screenshot failed", err)
	}
	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, types.NewError(types.CodeProtocol, "decode screenshot failed", err)
	}
	return png, nil
}

func (c *Client) evalOnTab(ctx context.Context, tabID, js string, out any) error {
	session, err := c.session(ctx, tabID)
	if err != nil {
		return err
	}

	evalCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()

	raw, err := c.cdp.evaluate(evalCtx, session.sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "tab_id", tabID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return types.NewError(types.CodeTimeout, "evaluation timed out", err)
		}
		return types.NewError(types.CodeCDPUnavailable, "evaluation failed", err)
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return types.NewError(types.CodeProtocol, "invalid evaluation envelope", err)
	}
	if !env.OK {
		msg := env.ErrorMessage
		if env.ErrorCode != "" {
			msg = env.ErrorCode + ": " + msg
		}
		return types.NewError(types.CodeProtocol, msg, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return types.NewError(types.CodeProtocol, "invalid evaluation data", err)
	}
	return nil
}

func (c *Client) session(ctx context.Context, tabID string) (*tabSession, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.tabs[tabID]
	if !ok {
		return nil, types.NewError(types.CodeValidation, fmt.Sprintf("tab %s is not owned by this client", tabID), nil)
	}
	return s, nil
}

func (c *Client) tabForSession(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.bySession[sessionID]
	return id, ok
}

func (c *Client) forgetTab(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.tabs[tabID]; ok {
		delete(c.bySession, s.sessionID)
		delete(c.tabs, tabID)
	}
}

// discardTarget closes a target that never became a usable tab.
func (c *Client) discardTarget(targetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.cdp.closeTarget(ctx, targetID); err != nil {
		slog.Debug("cdpcontrol discard target failed", "tab_id", targetID, "error", err)
	}
}

func (c *Client) onDetached(_ string, params json.RawMessage) {
	var ev struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	c.mu.Lock()
	if id, ok := c.bySession[ev.SessionID]; ok {
		delete(c.bySession, ev.SessionID)
		delete(c.tabs, id)
		slog.Debug("cdpcontrol session detached", "tab_id", id, "session_id", ev.SessionID)
	}
	c.mu.Unlock()
}

// ensureConnected redials after the browser dropped the connection. Tabs
// from the old connection are forgotten since their sessions are gone.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.cdp.connected() {
		return nil
	}
	c.mu.Lock()
	c.tabs = make(map[string]*tabSession)
	c.bySession = make(map[string]string)
	c.mu.Unlock()
	return c.Connect(ctx)
}

// shouldRetry reports whether err looks like a dropped connection.
func shouldRetry(err error) bool {
	if !types.HasCode(err, types.CodeCDPUnavailable) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
