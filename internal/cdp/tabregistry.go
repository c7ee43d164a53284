package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TabContext is one chromedp context bound to a tab the client created.
type TabContext struct {
	ID     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// TabRegistry maps CDP target IDs to their chromedp contexts.
type TabRegistry struct {
	tabs map[target.ID]*TabContext
	mu   sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[target.ID]*TabContext)}
}

func (r *TabRegistry) Register(tab *TabContext) {
	r.mu.Lock()
	r.tabs[tab.ID] = tab
	r.mu.Unlock()
}

func (r *TabRegistry) Get(targetID target.ID) (*TabContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[targetID]
	return tab, ok
}

func (r *TabRegistry) GetByStringID(tabID string) (*TabContext, bool) {
	return r.Get(target.ID(tabID))
}

// Remove drops and returns the tab.
func (r *TabRegistry) Remove(targetID target.ID) (*TabContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[targetID]
	delete(r.tabs, targetID)
	return tab, ok
}

// Drain removes and returns every registered tab.
func (r *TabRegistry) Drain() []*TabContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TabContext, 0, len(r.tabs))
	for id, tab := range r.tabs {
		out = append(out, tab)
		delete(r.tabs, id)
	}
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
