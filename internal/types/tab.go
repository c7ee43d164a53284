package types

// TabStatus is the load status reported by a tab-updated event.
type TabStatus string

const (
	TabStatusLoading  TabStatus = "loading"
	TabStatusComplete TabStatus = "complete"
)

// TabHandle identifies a browser tab owned by a single harvest.
// URL tracks the last URL observed for the tab and is updated after every
// completed load.
type TabHandle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Valid reports whether the handle refers to a created tab.
func (t TabHandle) Valid() bool {
	return t.ID != ""
}

// TabEvent is a state change of a tab, the CDP equivalent of an
// onUpdated notification.
type TabEvent struct {
	TabID  string
	Status TabStatus
	URL    string
}

// TabEventSource provides tab-updated events to subscribers.
// The returned function removes the subscription and is safe to call more
// than once.
type TabEventSource interface {
	SubscribeTabEvents(fn func(TabEvent)) (unsubscribe func(), err error)
}
