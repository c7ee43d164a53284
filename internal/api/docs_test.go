package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tokenharvester/internal/controller"
	"github.com/dgnsrekt/tokenharvester/internal/diagnostics"
	"github.com/dgnsrekt/tokenharvester/internal/types"
)

type stubService struct {
	harvest     types.TokenReadResult
	last        types.TokenReadResult
	lastErr     error
	lastInclude bool
	health      controller.Health
	captures    []diagnostics.Capture
	captureErr  error
	image       []byte
	deleted     string
}

func (s *stubService) Harvest(ctx context.Context) types.TokenReadResult { return s.harvest }
func (s *stubService) LastResult(ctx context.Context, includeToken bool) (types.TokenReadResult, error) {
	s.lastInclude = includeToken
	return s.last, s.lastErr
}
func (s *stubService) Health(ctx context.Context) controller.Health { return s.health }
func (s *stubService) ListCaptures(ctx context.Context) ([]diagnostics.Capture, error) {
	return s.captures, s.captureErr
}
func (s *stubService) GetCapture(ctx context.Context, id string) (diagnostics.Capture, error) {
	if s.captureErr != nil {
		return diagnostics.Capture{}, s.captureErr
	}
	return diagnostics.Capture{ID: id}, nil
}
func (s *stubService) ReadCaptureImage(ctx context.Context, id string) ([]byte, string, error) {
	return s.image, "image/png", s.captureErr
}
func (s *stubService) DeleteCapture(ctx context.Context, id string) error {
	s.deleted = id
	return s.captureErr
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}
