// Package cdp drives harvest tabs with chromedp. It is the alternative to
// the raw backend in cdpcontrol and exposes the same tab operations.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tokenharvester/internal/types"
)

const defaultEvalTimeout = 10 * time.Second

// Client opens one chromedp context, and so one browser connection, per
// harvest tab. Closing the context closes the tab.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration
	tabs        *TabRegistry

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc

	subsMu sync.RWMutex
	subs   map[int64]func(types.TabEvent)
	subSeq atomic.Int64
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = defaultEvalTimeout
	}
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		tabs:        NewTabRegistry(),
		subs:        make(map[int64]func(types.TabEvent)),
	}
}

// Connect sets up the remote allocator and checks the browser answers by
// opening and closing a scratch tab.
func (c *Client) Connect(ctx context.Context) error {
	if c.cdpURL == "" {
		return types.NewError(types.CodeCDPUnavailable, "missing CDP URL", nil)
	}
	slog.Info("Connecting to Chromium", "url", c.cdpURL)

	c.mu.Lock()
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	allocCtx := c.allocCtx
	c.mu.Unlock()

	tempCtx, tempCancel := chromedp.NewContext(allocCtx)
	defer tempCancel()
	if err := c.runFirst(ctx, tempCtx); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "failed to connect to browser", err)
	}
	slog.Info("Connected to Chromium", "url", c.cdpURL)
	return nil
}

func (c *Client) Close() error {
	for _, tab := range c.tabs.Drain() {
		tab.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
	}
	slog.Info("CDP client closed")
	return nil
}

// Ping opens and closes a scratch tab.
func (c *Client) Ping(ctx context.Context) error {
	allocCtx, err := c.allocator()
	if err != nil {
		return err
	}
	tempCtx, tempCancel := chromedp.NewContext(allocCtx)
	defer tempCancel()
	if err := c.runFirst(ctx, tempCtx); err != nil {
		return types.NewError(types.CodeCDPUnavailable, "browser did not answer", err)
	}
	return nil
}

func (c *Client) CreateTab(ctx context.Context, url string) (types.TabHandle, error) {
	allocCtx, err := c.allocator()
	if err != nil {
		return types.TabHandle{}, err
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	tab := &TabContext{ctx: tabCtx, cancel: tabCancel}
	var tabID atomic.Value
	chromedp.ListenTarget(tabCtx, func(ev any) {
		id, _ := tabID.Load().(string)
		if id == "" {
			return
		}
		if te, ok := tabEvent(id, ev); ok {
			c.emit(te)
		}
	})

	if err := c.runFirst(ctx, tabCtx); err != nil {
		tabCancel()
		return types.TabHandle{}, types.NewError(types.CodeCDPUnavailable, "create target failed", err)
	}
	tab.ID = chromedp.FromContext(tabCtx).Target.TargetID
	tabID.Store(string(tab.ID))
	c.tabs.Register(tab)
	slog.Debug("chromedp tab created", "tab_id", tab.ID)

	if err := c.navigate(ctx, tab, url); err != nil {
		c.tabs.Remove(tab.ID)
		tabCancel()
		return types.TabHandle{}, err
	}
	return types.TabHandle{ID: string(tab.ID), URL: "about:blank"}, nil
}

func (c *Client) NavigateTab(ctx context.Context, tabID, url string) error {
	tab, err := c.tab(tabID)
	if err != nil {
		return err
	}
	return c.navigate(ctx, tab, url)
}

func (c *Client) CloseTab(ctx context.Context, tabID string) error {
	tab, ok := c.tabs.Remove(target.ID(tabID))
	if !ok {
		return types.NewError(types.CodeValidation, fmt.Sprintf("tab %s is not owned by this client", tabID), nil)
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(tab.ctx) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return types.NewError(types.CodeCDPUnavailable, "close target failed", err)
		}
		slog.Debug("chromedp tab closed", "tab_id", tabID)
		return nil
	case <-ctx.Done():
		return types.NewError(types.CodeTimeout, "close target timed out", ctx.Err())
	}
}

func (c *Client) SubscribeTabEvents(fn func(types.TabEvent)) (func(), error) {
	if fn == nil {
		return nil, types.NewError(types.CodeValidation, "tab event handler is required", nil)
	}
	id := c.subSeq.Add(1)
	c.subsMu.Lock()
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}, nil
}

// GetItem reads one local storage entry of the tab's page.
func (c *Client) GetItem(ctx context.Context, tabID, key string) (string, bool, error) {
	tab, err := c.tab(tabID)
	if err != nil {
		return "", false, err
	}
	runCtx, cancel := scoped(tab.ctx, ctx, c.evalTimeout)
	defer cancel()

	var raw string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(jsGetLocalStorageItem(key), &raw)); err != nil {
		slog.Warn("chromedp eval failed", "tab_id", tabID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", false, types.NewError(types.CodeTimeout, "evaluation timed out", err)
		}
		return "", false, types.NewError(types.CodeCDPUnavailable, "evaluation failed", err)
	}
	return decodeStorageItem(raw)
}

// CaptureScreenshot returns a png of the tab's viewport.
func (c *Client) CaptureScreenshot(ctx context.Context, tabID string) ([]byte, error) {
	tab, err := c.tab(tabID)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := scoped(tab.ctx, ctx, 0)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "capture screenshot failed", err)
	}
	return buf, nil
}

// GetTabCount returns the number of open harvest tabs.
func (c *Client) GetTabCount() int {
	return c.tabs.Count()
}

func (c *Client) navigate(ctx context.Context, tab *TabContext, url string) error {
	runCtx, cancel := scoped(tab.ctx, ctx, 0)
	defer cancel()

	slog.Debug("chromedp navigate", "tab_id", tab.ID, "url", url)
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigate %s: %s", url, errorText)
		}
		return nil
	}))
	if err != nil {
		return types.NewError(types.CodeCDPUnavailable, "navigate failed", err)
	}
	return nil
}

// runFirst performs the first Run on a fresh context, which creates and
// attaches its target. The Run itself is not bound to ctx because a
// deadline on the first Run would tear down the connection with it.
func (c *Client) runFirst(ctx context.Context, tabCtx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) allocator() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocCtx == nil || c.allocCancel == nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return c.allocCtx, nil
}

func (c *Client) tab(tabID string) (*TabContext, error) {
	tab, ok := c.tabs.GetByStringID(tabID)
	if !ok {
		return nil, types.NewError(types.CodeValidation, fmt.Sprintf("tab %s is not owned by this client", tabID), nil)
	}
	return tab, nil
}

func (c *Client) emit(ev types.TabEvent) {
	c.subsMu.RLock()
	fns := make([]func(types.TabEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// tabEvent maps chromedp page events of the top frame to tab events.
func tabEvent(tabID string, ev any) (types.TabEvent, bool) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return types.TabEvent{}, false
		}
		return types.TabEvent{TabID: tabID, Status: types.TabStatusLoading, URL: e.Frame.URL + e.Frame.URLFragment}, true
	case *page.EventLoadEventFired:
		return types.TabEvent{TabID: tabID, Status: types.TabStatusComplete}, true
	}
	return types.TabEvent{}, false
}

// scoped derives a context from the tab context that also ends with caller.
// A positive timeout further bounds it.
func scoped(tabCtx, caller context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(tabCtx)
	if dl, ok := caller.Deadline(); ok {
		var cancelDL context.CancelFunc
		ctx, cancelDL = context.WithDeadline(ctx, dl)
		outer := cancel
		cancel = func() { cancelDL(); outer() }
	}
	if timeout > 0 {
		var cancelTO context.CancelFunc
		ctx, cancelTO = context.WithTimeout(ctx, timeout)
		outer := cancel
		cancel = func() { cancelTO(); outer() }
	}
	// A caller deadline is already on ctx and must surface as DeadlineExceeded.
	stop := context.AfterFunc(caller, func() {
		if errors.Is(caller.Err(), context.DeadlineExceeded) {
			return
		}
		cancel()
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

type storageItem struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

func jsGetLocalStorageItem(key string) string {
	k, _ := json.Marshal(key)
	return `(function(){
try {
var v = window.localStorage.getItem(` + string(k) + `);
return JSON.stringify({ok:true,data:{found:v !== null,value:v === null ? "" : String(v)}});
} catch (err) {
return JSON.stringify({ok:false,error_message:String(err && err.message || err)});
}
})()`
}

func decodeStorageItem(raw string) (string, bool, error) {
	var env struct {
		OK           bool        `json:"ok"`
		Data         storageItem `json:"data"`
		ErrorMessage string      `json:"error_message"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", false, types.NewError(types.CodeProtocol, "invalid evaluation envelope", err)
	}
	if !env.OK {
		return "", false, types.NewError(types.CodeProtocol, env.ErrorMessage, nil)
	}
	return env.Data.Value, env.Data.Found, nil
}
