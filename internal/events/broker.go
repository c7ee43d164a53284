// Package events fans harvest outcomes out to Server-Sent Events clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

const subscriberBufSize = 32

const (
	FeedResult   = "result"
	FeedRejected = "rejected"
)

// Event is a single SSE message.
type Event struct {
	Feed    string
	Payload string
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. The channel is buffered; slow consumers
// will have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishResult publishes a masked copy of res. BUSY rejections go to their
// own feed.
func (b *Broker) PublishResult(res types.TokenReadResult) {
	feed := FeedResult
	if res.ErrorCode == types.CodeBusy {
		feed = FeedRejected
	}
	data, err := json.Marshal(res.Redacted())
	if err != nil {
		return
	}
	b.Publish(Event{Feed: feed, Payload: string(data)})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
