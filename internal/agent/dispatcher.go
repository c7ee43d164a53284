package agent

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

// PageStorage reads local storage of any tab the backend manages.
type PageStorage interface {
	GetItem(ctx context.Context, tabID, key string) (value string, ok bool, err error)
}

// Messenger delivers a request to the agent of a tab and returns its reply.
type Messenger interface {
	SendMessage(ctx context.Context, tab types.TabHandle, req Request) (string, error)
}

// Dispatcher is the Messenger that binds an Agent to the addressed tab.
type Dispatcher struct {
	pages PageStorage
	cfg   Config
}

// NewDispatcher returns a Dispatcher reading through pages.
func NewDispatcher(pages PageStorage, cfg Config) *Dispatcher {
	return &Dispatcher{pages: pages, cfg: cfg}
}

func (d *Dispatcher) SendMessage(ctx context.Context, tab types.TabHandle, req Request) (string, error) {
	if !tab.Valid() {
		return "", types.NewError(types.CodeValidation, "message addressed to a tab without id", nil)
	}
	slog.Info("sending message to page agent", "tab_id", tab.ID, "type", req.Type)

	payload, err := New(tabStorage{pages: d.pages, tabID: tab.ID}, d.cfg).Handle(ctx, req)
	if err != nil {
		return "", err
	}
	if payload == "" {
		return "", types.NewError(types.CodeProtocol, "no data received from page agent", nil)
	}
	return payload, nil
}

type tabStorage struct {
	pages PageStorage
	tabID string
}

func (s tabStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	return s.pages.GetItem(ctx, s.tabID, key)
}
