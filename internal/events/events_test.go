package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishResultMasksToken(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.PublishResult(types.Succeeded("abcdefghijklmnop", true))
	b.PublishResult(types.Failed(types.NewError(types.CodeBusy, "busy", nil)))

	first := <-ch
	if first.Feed != FeedResult {
		t.Fatalf("feed = %q, want %q", first.Feed, FeedResult)
	}
	if strings.Contains(first.Payload, "abcdefghijklmnop") || !strings.Contains(first.Payload, "abcd...mnop") {
		t.Fatalf("payload = %s", first.Payload)
	}
	if second := <-ch; second.Feed != FeedRejected {
		t.Fatalf("feed = %q, want %q", second.Feed, FeedRejected)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	for range subscriberBufSize + 5 {
		b.Publish(Event{Feed: FeedResult, Payload: "{}"})
	}
	if len(ch) != subscriberBufSize {
		t.Fatalf("queued = %d, want %d", len(ch), subscriberBufSize)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	if b.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d", b.ClientCount())
	}
}

func TestSSEHandlerStreamsFilteredFeed(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?feeds=result", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish(Event{Feed: FeedRejected, Payload: `{"skip":true}`})
	b.Publish(Event{Feed: FeedResult, Payload: `{"success":true}`})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "event: result" || lines[1] != `data: {"success":true}` {
		t.Fatalf("stream = %q", lines)
	}

	cancel()
	srv.Close()
}
