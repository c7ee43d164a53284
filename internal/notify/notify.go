// Package notify tells the user how a harvest ended.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const (
	TitleTokenFound     = "Token found"
	TitleTokenAnonymous = "Token found (anonymous session)"
	TitleError          = "ERROR"
)

// Message is a rendered notification. Sensitive bodies carry the token.
type Message struct {
	Title     string
	Body      string
	Level     Level
	Sensitive bool
}

// Render builds the notification for a harvest result.
func Render(res types.TokenReadResult) Message {
	switch {
	case res.Success && res.IsLogged:
		return Message{Title: TitleTokenFound, Body: res.Token, Level: LevelInfo, Sensitive: true}
	case res.Success:
		return Message{Title: TitleTokenAnonymous, Body: res.Token, Level: LevelWarning, Sensitive: true}
	default:
		body := res.Error
		if body == "" {
			body = "unknown error"
		}
		return Message{Title: TitleError, Body: body, Level: LevelError}
	}
}

// Notifier delivers a message somewhere the user will see it.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// NtfyNotifier posts messages to an ntfy topic URL.
type NtfyNotifier struct {
	Endpoint string
	Client   *http.Client
}

func (n *NtfyNotifier) Notify(ctx context.Context, m Message) error {
	return Send(ctx, n.Client, n.Endpoint, m)
}

// LogNotifier writes messages to the default logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, m Message) error {
	body := m.Body
	if m.Sensitive {
		body = types.MaskToken(body)
	}
	switch m.Level {
	case LevelError:
		slog.Error(m.Title, "message", body)
	case LevelWarning:
		slog.Warn(m.Title, "message", body)
	default:
		slog.Info(m.Title, "message", body)
	}
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send posts m to endpoint. The title, priority and tags travel as ntfy
// headers and the body as plain text.
func Send(ctx context.Context, client *http.Client, endpoint string, m Message) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(m.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if m.Title != "" {
		req.Header.Set("Title", m.Title)
	}
	priority, tags := ntfyStyle(m.Level)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Debug("ntfy response drain failed", "error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

func ntfyStyle(l Level) (priority, tags string) {
	switch l {
	case LevelError:
		return "high", "rotating_light"
	case LevelWarning:
		return "default", "warning"
	default:
		return "default", "key"
	}
}
