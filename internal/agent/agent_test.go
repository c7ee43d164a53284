package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

// fakeStorage makes values visible only after readyAfter full lookups of
// the primary key.
type fakeStorage struct {
	values     map[string]string
	readyAfter int
	err        error
	reads      map[string]int
}

func (s *fakeStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	if s.reads == nil {
		s.reads = make(map[string]int)
	}
	s.reads[key]++
	if s.err != nil {
		return "", false, s.err
	}
	if s.reads[DefaultPrimaryKey] <= s.readyAfter {
		return "", false, nil
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func newTestAgent(s Storage, sleeps *int) *Agent {
	a := New(s, Config{})
	a.sleep = func(_ context.Context, d time.Duration) error {
		if d != DefaultRetryDelay {
			return errors.New("unexpected delay")
		}
		*sleeps++
		return nil
	}
	return a
}

func TestHandleReturnsPrimaryEntry(t *testing.T) {
	s := &fakeStorage{values: map[string]string{
		DefaultPrimaryKey:  `{"signedIn":true,"token":"ABC123"}`,
		DefaultFallbackKey: `{"seed":37,"token":"XYZ"}`,
	}}
	sleeps := 0
	got, err := newTestAgent(s, &sleeps).Handle(context.Background(), Request{Type: TypeReadToken})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got != `{"signedIn":true,"token":"ABC123"}` {
		t.Fatalf("Handle() = %q", got)
	}
	if s.reads[DefaultFallbackKey] != 0 {
		t.Fatalf("fallback reads = %d; want 0", s.reads[DefaultFallbackKey])
	}
	if sleeps != 0 {
		t.Fatalf("sleeps = %d; want 0", sleeps)
	}
}

func TestHandleFallsBackToAnonymousEntry(t *testing.T) {
	s := &fakeStorage{values: map[string]string{
		DefaultFallbackKey: `{"seed":37,"token":"XYZ"}`,
	}}
	sleeps := 0
	got, err := newTestAgent(s, &sleeps).Handle(context.Background(), Request{Type: TypeReadToken})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got != `{"seed":37,"token":"XYZ"}` {
		t.Fatalf("Handle() = %q", got)
	}
}

func TestHandleRetriesUntilEntryAppears(t *testing.T) {
	s := &fakeStorage{
		values:     map[string]string{DefaultPrimaryKey: `{"token":"LATE"}`},
		readyAfter: 3,
	}
	sleeps := 0
	got, err := newTestAgent(s, &sleeps).Handle(context.Background(), Request{Type: TypeReadToken})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got != `{"token":"LATE"}` {
		t.Fatalf("Handle() = %q", got)
	}
	if sleeps != 3 {
		t.Fatalf("sleeps = %d; want 3", sleeps)
	}
}

func TestHandleExhaustsBudgetWithExplicitError(t *testing.T) {
	s := &fakeStorage{values: map[string]string{}}
	sleeps := 0
	_, err := newTestAgent(s, &sleeps).Handle(context.Background(), Request{Type: TypeReadToken})
	if !types.HasCode(err, types.CodeTokenNotFound) {
		t.Fatalf("Handle() error = %v; want %s", err, types.CodeTokenNotFound)
	}
	if got, want := s.reads[DefaultPrimaryKey], DefaultMaxRetries+1; got != want {
		t.Fatalf("primary reads = %d; want %d", got, want)
	}
	if sleeps != DefaultMaxRetries {
		t.Fatalf("sleeps = %d; want %d", sleeps, DefaultMaxRetries)
	}
}

func TestHandleStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New(&fakeStorage{values: map[string]string{}}, Config{})
	a.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := a.Handle(ctx, Request{Type: TypeReadToken})
	if !types.HasCode(err, types.CodeTimeout) {
		t.Fatalf("Handle() error = %v; want %s", err, types.CodeTimeout)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("errors.Is(err, context.Canceled) = false; err = %v", err)
	}
}

func TestHandleSurfacesStorageFailure(t *testing.T) {
	storageErr := types.NewError(types.CodeCDPUnavailable, "evaluation failed", nil)
	s := &fakeStorage{err: storageErr}
	sleeps := 0
	_, err := newTestAgent(s, &sleeps).Handle(context.Background(), Request{Type: TypeReadToken})
	if err != storageErr {
		t.Fatalf("Handle() error = %v; want %v", err, storageErr)
	}
}

func TestHandleRejectsUnknownType(t *testing.T) {
	s := &fakeStorage{}
	sleeps := 0
	_, err := newTestAgent(s, &sleeps).Handle(context.Background(), Request{Type: "writeToken"})
	if !types.HasCode(err, types.CodeProtocol) {
		t.Fatalf("Handle() error = %v; want %s", err, types.CodeProtocol)
	}
	if len(s.reads) != 0 {
		t.Fatalf("storage reads = %v; want none", s.reads)
	}
}

type fakePages struct {
	values map[string]map[string]string
}

func (p *fakePages) GetItem(_ context.Context, tabID, key string) (string, bool, error) {
	v, ok := p.values[tabID][key]
	return v, ok, nil
}

func TestDispatcherAddressesTab(t *testing.T) {
	pages := &fakePages{values: map[string]map[string]string{
		"tab-1": {DefaultPrimaryKey: `{"token":"T1"}`},
		"tab-2": {DefaultPrimaryKey: `{"token":"T2"}`},
	}}
	d := NewDispatcher(pages, Config{})

	got, err := d.SendMessage(context.Background(), types.TabHandle{ID: "tab-2"}, Request{Type: TypeReadToken})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got != `{"token":"T2"}` {
		t.Fatalf("SendMessage() = %q", got)
	}
}

func TestDispatcherRejectsMissingTab(t *testing.T) {
	d := NewDispatcher(&fakePages{}, Config{})
	_, err := d.SendMessage(context.Background(), types.TabHandle{}, Request{Type: TypeReadToken})
	if !types.HasCode(err, types.CodeValidation) {
		t.Fatalf("SendMessage() error = %v; want %s", err, types.CodeValidation)
	}
}

func TestConfigPrimaryWithoutFallback(t *testing.T) {
	cfg := Config{PrimaryKey: "app-session"}.withDefaults()
	if cfg.FallbackKey != "" {
		t.Fatalf("FallbackKey = %q; want none", cfg.FallbackKey)
	}

	s := &mapStorage{values: map[string]string{DefaultFallbackKey: `{"token":"XYZ"}`}}
	a := New(s, Config{PrimaryKey: "app-session", MaxRetries: NoRetries})
	if _, err := a.Handle(context.Background(), Request{Type: TypeReadToken}); !types.HasCode(err, types.CodeTokenNotFound) {
		t.Fatalf("Handle() error = %v; want TOKEN_NOT_FOUND", err)
	}
	if len(s.keys) != 1 || s.keys[0] != "app-session" {
		t.Fatalf("keys read = %v; want only app-session", s.keys)
	}
}

type mapStorage struct {
	values map[string]string
	keys   []string
}

func (s *mapStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	s.keys = append(s.keys, key)
	v, ok := s.values[key]
	return v, ok, nil
}

func TestConfigRetryBudget(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"unset takes default", 0, DefaultMaxRetries},
		{"explicit budget", 2, 2},
		{"no retries", NoRetries, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{MaxRetries: tt.in}.withDefaults()
			if cfg.MaxRetries != tt.want {
				t.Fatalf("MaxRetries = %d; want %d", cfg.MaxRetries, tt.want)
			}
			if cfg.RetryDelay != DefaultRetryDelay {
				t.Fatalf("RetryDelay = %v; want %v", cfg.RetryDelay, DefaultRetryDelay)
			}
		})
	}
}

func TestDispatcherKeepsSingleLookup(t *testing.T) {
	pages := &countingPages{}
	d := NewDispatcher(pages, Config{MaxRetries: NoRetries})
	_, err := d.SendMessage(context.Background(), types.TabHandle{ID: "tab-1"}, Request{Type: TypeReadToken})
	if !types.HasCode(err, types.CodeTokenNotFound) {
		t.Fatalf("SendMessage() error = %v; want %s", err, types.CodeTokenNotFound)
	}
	if pages.reads[DefaultPrimaryKey] != 1 {
		t.Fatalf("primary reads = %d; want 1", pages.reads[DefaultPrimaryKey])
	}
}

type countingPages struct {
	reads map[string]int
}

func (p *countingPages) GetItem(_ context.Context, _, key string) (string, bool, error) {
	if p.reads == nil {
		p.reads = make(map[string]int)
	}
	p.reads[key]++
	return "", false, nil
}
