// Package agent implements the page agent: the request/response protocol
// used to read a session entry out of a tab's local storage.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/retry"
	"github.com/dgnsrekt/tokenharvester/internal/types"
)

// TypeReadToken is the only message type the agent understands.
const TypeReadToken = "readToken"

const (
	DefaultPrimaryKey  = "lunar-UserSettings"
	DefaultFallbackKey = "lunar-temporary-session"
	DefaultRetryDelay  = 1000 * time.Millisecond
	DefaultMaxRetries  = 5
)

var errEntryMissing = errors.New("session entry not present in local storage")

// Request is a one-shot message sent to the agent.
type Request struct {
	Type string `json:"type"`
}

// Storage reads the page-local key-value store of one tab.
type Storage interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
}

// Config selects the storage keys and the lookup retry budget.
type Config struct {
	PrimaryKey  string
	FallbackKey string
	RetryDelay  time.Duration
	// MaxRetries is the number of lookups after the first one. Zero takes
	// DefaultMaxRetries; use NoRetries for a single lookup.
	MaxRetries int
}

// NoRetries makes the agent read storage exactly once.
const NoRetries = -1

func (c Config) withDefaults() Config {
	// An explicit primary key without a fallback means no fallback.
	if c.PrimaryKey == "" {
		c.PrimaryKey = DefaultPrimaryKey
		if c.FallbackKey == "" {
			c.FallbackKey = DefaultFallbackKey
		}
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	return c
}

// Agent answers requests against one tab's storage.
type Agent struct {
	storage Storage
	cfg     Config
	sleep   retry.Sleeper
}

// New binds an agent to storage.
func New(storage Storage, cfg Config) *Agent {
	return &Agent{storage: storage, cfg: cfg.withDefaults()}
}

// Handle answers req. The call returns once a payload is available, the
// attempt budget is spent, or ctx ends.
func (a *Agent) Handle(ctx context.Context, req Request) (string, error) {
	slog.Debug("page agent message received", "type", req.Type)
	switch req.Type {
	case TypeReadToken:
		return a.readToken(ctx)
	default:
		return "", types.NewError(types.CodeProtocol, fmt.Sprintf("unknown message type %q", req.Type), nil)
	}
}

func (a *Agent) readToken(ctx context.Context) (string, error) {
	attempts := a.cfg.MaxRetries + 1
	payload, err := retry.Run(ctx, retry.Policy{
		Delay:    a.cfg.RetryDelay,
		Attempts: attempts,
		Sleep:    a.sleep,
		Name:     "read_token",
	}, a.lookup)
	if err == nil {
		slog.Debug("page agent responding", "bytes", len(payload))
		return payload, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", types.NewError(types.CodeTimeout, "reading token interrupted", err)
	}
	if errors.Is(err, errEntryMissing) {
		return "", types.NewError(types.CodeTokenNotFound,
			fmt.Sprintf("reading token failed after %d attempts", attempts), err)
	}
	return "", err
}

// lookup tries the signed-in key first, then the anonymous one.
func (a *Agent) lookup(ctx context.Context) (string, error) {
	for _, key := range []string{a.cfg.PrimaryKey, a.cfg.FallbackKey} {
		if key == "" {
			continue
		}
		slog.Debug("reading local storage", "key", key)
		v, ok, err := a.storage.GetItem(ctx, key)
		if err != nil {
			return "", err
		}
		if ok && v != "" {
			return v, nil
		}
	}
	return "", errEntryMissing
}
