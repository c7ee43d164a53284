package cdpcontrol

import (
	"encoding/json"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

// frameNavigatedEvent maps a Page.frameNavigated of the top frame to a
// loading event carrying the committed URL. Child frames are ignored.
func frameNavigatedEvent(tabID string, params json.RawMessage) (types.TabEvent, bool) {
	var ev struct {
		Frame struct {
			ID          string `json:"id"`
			ParentID    string `json:"parentId"`
			URL         string `json:"url"`
			URLFragment string `json:"urlFragment"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return types.TabEvent{}, false
	}
	if ev.Frame.ParentID != "" || ev.Frame.URL == "" {
		return types.TabEvent{}, false
	}
	return types.TabEvent{
		TabID:  tabID,
		Status: types.TabStatusLoading,
		URL:    ev.Frame.URL + ev.Frame.URLFragment,
	}, true
}

// loadEventFired has no URL; waiters use the last committed one.
func loadEventFired(tabID string) types.TabEvent {
	return types.TabEvent{TabID: tabID, Status: types.TabStatusComplete}
}
