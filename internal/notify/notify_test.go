package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name  string
		res   types.TokenReadResult
		title string
		body  string
		level Level
	}{
		{"signed in", types.Succeeded("ABC123", true), TitleTokenFound, "ABC123", LevelInfo},
		{"anonymous", types.Succeeded("XYZ", false), TitleTokenAnonymous, "XYZ", LevelWarning},
		{"failure", types.Failed(types.NewError(types.CodeTimeout, "tab did not load", nil)), TitleError, "TIMEOUT: tab did not load", LevelError},
		{"empty failure", types.TokenReadResult{}, TitleError, "unknown error", LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Render(tt.res)
			if m.Title != tt.title || m.Body != tt.body || m.Level != tt.level {
				t.Fatalf("Render() = %+v; want %q/%q/%q", m, tt.title, tt.body, tt.level)
			}
		})
	}
}

func TestSendPostsMessage(t *testing.T) {
	ctx := context.Background()

	var receivedMethod string
	var receivedPath string
	var receivedBody string
	var receivedHeader http.Header

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedHeader = r.Header.Clone()
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	m := Message{Title: TitleError, Body: "TIMEOUT: tab did not load", Level: LevelError}
	if err := Send(ctx, client, "http://example.com/harvest", m); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/harvest"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedHeader.Get("Content-Type"), "text/plain"; got != want {
		t.Fatalf("content-type = %q; want %q", got, want)
	}
	if got, want := receivedHeader.Get("Title"), TitleError; got != want {
		t.Fatalf("title = %q; want %q", got, want)
	}
	if got, want := receivedHeader.Get("Priority"), "high"; got != want {
		t.Fatalf("priority = %q; want %q", got, want)
	}
	if got, want := receivedBody, m.Body; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := (&NtfyNotifier{Endpoint: "http://example.com/harvest", Client: client}).Notify(context.Background(), Message{Body: "x"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ntfy notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "ntfy notification failed")
	}
}

func TestSendDisallowsMissingEndpoint(t *testing.T) {
	if err := Send(context.Background(), http.DefaultClient, "", Message{Body: "x"}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestLogNotifierMasksToken(t *testing.T) {
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	if err := (LogNotifier{}).Notify(context.Background(), Render(types.Succeeded("ABCDEFGHIJKL", true))); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "ABCDEFGHIJKL") {
		t.Fatalf("log leaked token: %q", out)
	}
	if !strings.Contains(out, "ABCD...IJKL") || !strings.Contains(out, TitleTokenFound) {
		t.Fatalf("log = %q; want masked token and title", out)
	}
}

type notifierFunc func(context.Context, Message) error

func (f notifierFunc) Notify(ctx context.Context, m Message) error { return f(ctx, m) }

func TestMultiDeliversToAll(t *testing.T) {
	errA := errors.New("a down")
	calls := 0
	m := Multi{
		notifierFunc(func(context.Context, Message) error { calls++; return errA }),
		notifierFunc(func(context.Context, Message) error { calls++; return nil }),
	}
	err := m.Notify(context.Background(), Message{Title: "x"})
	if calls != 2 {
		t.Fatalf("calls = %d; want 2", calls)
	}
	if !errors.Is(err, errA) {
		t.Fatalf("Notify() error = %v; want %v", err, errA)
	}
}
