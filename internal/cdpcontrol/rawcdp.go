package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errNotConnected = errors.New("rawcdp: not connected")

// rawCDP speaks CDP over a single browser-level WebSocket. Page targets are
// driven through flattened sessions: the session id travels in the outer
// message envelope instead of nested Target.sendMessageToTarget calls.
type rawCDP struct {
	httpBase string
	client   *http.Client

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]pendingCall

	eventMu  sync.RWMutex
	handlers map[string][]eventHandler
}

// pendingCall is a reply waiter bound to the connection it was sent on.
type pendingCall struct {
	conn net.Conn
	ch   chan json.RawMessage
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

// message is every frame the browser sends: a reply has an id, an event a
// method.
type message struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *protocolError  `json:"error"`
}

type protocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{
		httpBase: strings.TrimRight(httpBase, "/"),
		client:   http.DefaultClient,
		pending:  make(map[int64]pendingCall),
		handlers: make(map[string][]eventHandler),
	}
}

func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}
	r.conn = conn
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *rawCDP) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *rawCDP) readLoop(conn net.Conn) {
	defer r.failPending(conn)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("rawcdp dropped malformed frame", "error", err)
			continue
		}
		switch {
		case msg.ID > 0:
			r.pendingMu.Lock()
			call, ok := r.pending[msg.ID]
			if ok && call.conn == conn {
				delete(r.pending, msg.ID)
			}
			r.pendingMu.Unlock()
			if ok && call.conn == conn {
				call.ch <- json.RawMessage(data)
			}
		case msg.Method != "":
			r.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

// failPending wakes every caller still waiting for a reply on conn. Calls
// sent on a newer connection are left alone.
func (r *rawCDP) failPending(conn net.Conn) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, call := range r.pending {
		if call.conn != conn {
			continue
		}
		close(call.ch)
		delete(r.pending, id)
	}
}

func (r *rawCDP) forget(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// call sends method with params and returns the reply's result. An empty
// sessionID addresses the browser target.
func (r *rawCDP) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, errNotConnected
	}

	id := r.seq.Add(1)
	data, err := json.Marshal(struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = pendingCall{conn: conn, ch: ch}
	r.pendingMu.Unlock()

	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.forget(id)
		return nil, fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rawcdp: %s: connection closed", method)
		}
		var reply message
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("rawcdp: unmarshal %s reply: %w", method, err)
		}
		if reply.Error != nil {
			return nil, fmt.Errorf("rawcdp: %s: %w", method, reply.Error)
		}
		return reply.Result, nil
	case <-ctx.Done():
		r.forget(id)
		return nil, ctx.Err()
	}
}

func (r *rawCDP) createTarget(ctx context.Context, url string) (string, error) {
	raw, err := r.call(ctx, "", cdproto.CommandTargetCreateTarget, target.CreateTarget(url))
	if err != nil {
		return "", err
	}
	var res struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("rawcdp: unmarshal create target: %w", err)
	}
	if res.TargetID == "" {
		return "", errors.New("rawcdp: create target returned no id")
	}
	return res.TargetID, nil
}

func (r *rawCDP) attachToTarget(ctx context.Context, targetID string) (string, error) {
	params := target.AttachToTarget(target.ID(targetID)).WithFlatten(true)
	raw, err := r.call(ctx, "", cdproto.CommandTargetAttachToTarget, params)
	if err != nil {
		return "", err
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("rawcdp: unmarshal attach: %w", err)
	}
	return res.SessionID, nil
}

func (r *rawCDP) closeTarget(ctx context.Context, targetID string) error {
	_, err := r.call(ctx, "", cdproto.CommandTargetCloseTarget, target.CloseTarget(target.ID(targetID)))
	return err
}

func (r *rawCDP) enablePage(ctx context.Context, sessionID string) error {
	_, err := r.call(ctx, sessionID, cdproto.CommandPageEnable, nil)
	return err
}

// navigate starts a top-frame navigation. A non-empty errorText means the
// browser refused the navigation.
func (r *rawCDP) navigate(ctx context.Context, sessionID, url string) error {
	raw, err := r.call(ctx, sessionID, cdproto.CommandPageNavigate, page.Navigate(url))
	if err != nil {
		return err
	}
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("rawcdp: unmarshal navigate: %w", err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("rawcdp: navigate %s: %s", url, res.ErrorText)
	}
	return nil
}

// evaluate runs js in the page and returns its string result.
func (r *rawCDP) evaluate(ctx context.Context, sessionID, js string) (string, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: true, AwaitPromise: true}

	raw, err := r.call(ctx, sessionID, cdproto.CommandRuntimeEvaluate, params)
	if err != nil {
		return "", err
	}

	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("rawcdp: unmarshal eval: %w", err)
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("rawcdp: eval exception: %s", res.ExceptionDetails.Text)
	}
	var s string
	if err := json.Unmarshal(res.Result.Value, &s); err != nil {
		return string(res.Result.Value), nil
	}
	return s, nil
}

// captureScreenshot returns the base64 png of the visible viewport.
func (r *rawCDP) captureScreenshot(ctx context.Context, sessionID string) (string, error) {
	params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).WithFromSurface(true)
	raw, err := r.call(ctx, sessionID, cdproto.CommandPageCaptureScreenshot, params)
	if err != nil {
		return "", err
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("rawcdp: unmarshal screenshot: %w", err)
	}
	return res.Data, nil
}

// registerEventHandler adds fn for a CDP event method. The returned function
// removes it.
func (r *rawCDP) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.eventMu.Lock()
	r.handlers[method] = append(r.handlers[method], eventHandler{id: id, fn: fn})
	r.eventMu.Unlock()

	return func() {
		r.eventMu.Lock()
		defer r.eventMu.Unlock()
		hs := r.handlers[method]
		for i, h := range hs {
			if h.id == id {
				r.handlers[method] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (r *rawCDP) dispatchEvent(method, sessionID string, params json.RawMessage) {
	r.eventMu.RLock()
	hs := append([]eventHandler(nil), r.handlers[method]...)
	r.eventMu.RUnlock()
	for _, h := range hs {
		h.fn(sessionID, params)
	}
}

// browserWSURL reads the browser WebSocket endpoint from /json/version.
func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rawcdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("rawcdp: empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
