package diagnostics

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tokenharvester/internal/types"
	"github.com/google/uuid"
)

// Screenshotter captures the viewport of a tab.
type Screenshotter interface {
	CaptureScreenshot(ctx context.Context, tabID string) ([]byte, error)
}

// Recorder saves a capture of a tab whose harvest failed.
type Recorder struct {
	store *Store
	shots Screenshotter
	now   func() time.Time
}

func NewRecorder(store *Store, shots Screenshotter) *Recorder {
	return &Recorder{store: store, shots: shots, now: time.Now}
}

// RecordFailure stores the failure metadata and, when the browser can still
// render the tab, its screenshot.
func (r *Recorder) RecordFailure(ctx context.Context, tab types.TabHandle, res types.TokenReadResult) error {
	var image []byte
	if r.shots != nil {
		png, err := r.shots.CaptureScreenshot(ctx, tab.ID)
		if err != nil {
			slog.Debug("failure screenshot unavailable", "tab_id", tab.ID, "error", err)
		} else {
			image = png
		}
	}

	c := Capture{
		ID:        uuid.NewString(),
		HarvestID: res.HarvestID,
		TabID:     tab.ID,
		URL:       tab.URL,
		ErrorCode: res.ErrorCode,
		Error:     res.Error,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Save(c, image); err != nil {
		return err
	}
	slog.Info("failure capture saved", "capture_id", c.ID, "harvest_id", c.HarvestID, "has_image", len(image) > 0)
	return nil
}
