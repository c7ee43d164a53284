// Package controller is the service behind the harvester API: it runs
// harvests, notifies about their outcome and exposes failure captures.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tokenharvester/internal/diagnostics"
	"github.com/dgnsrekt/tokenharvester/internal/notify"
	"github.com/dgnsrekt/tokenharvester/internal/types"
	"github.com/google/uuid"
)

// Harvester is the part of harvest.Harvester the service drives.
type Harvester interface {
	TryReadToken(ctx context.Context, onComplete func(types.TokenReadResult))
	Last() (types.TokenReadResult, bool)
	Busy() bool
	TargetURL() string
}

// Journal records finished harvests.
type Journal interface {
	Append(res types.TokenReadResult) error
}

// Publisher streams harvest outcomes to live listeners.
type Publisher interface {
	PublishResult(res types.TokenReadResult)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health summarises whether a harvest could run right now.
type Health struct {
	Status       string `json:"status"`
	Browser      string `json:"browser"`
	BrowserError string `json:"browser_error,omitempty"`
	Busy         bool   `json:"busy"`
	TargetURL    string `json:"target_url"`
}

type Service struct {
	harvester Harvester
	browser   Pinger
	notifier  notify.Notifier
	captures  *diagnostics.Store
	journal   Journal
	publisher Publisher
}

// NewService wires the service. notifier and captures may be nil.
func NewService(h Harvester, browser Pinger, notifier notify.Notifier, captures *diagnostics.Store) *Service {
	return &Service{harvester: h, browser: browser, notifier: notifier, captures: captures}
}

// SetJournal makes every finished harvest land in j.
func (s *Service) SetJournal(j Journal) {
	s.journal = j
}

func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Harvest runs one harvest and notifies about its result. A rejected
// overlapping request is returned but not notified.
func (s *Service) Harvest(ctx context.Context) types.TokenReadResult {
	var res types.TokenReadResult
	s.harvester.TryReadToken(ctx, func(r types.TokenReadResult) { res = r })
	if s.publisher != nil {
		s.publisher.PublishResult(res)
	}
	if res.ErrorCode == types.CodeBusy {
		return res
	}
	if s.journal != nil {
		if err := s.journal.Append(res); err != nil {
			slog.Warn("harvest journal append failed", "harvest_id", res.HarvestID, "error", err)
		}
	}
	s.notify(ctx, res)
	return res
}

func (s *Service) notify(ctx context.Context, res types.TokenReadResult) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), notify.Render(res)); err != nil {
		slog.Warn("harvest notification failed", "harvest_id", res.HarvestID, "error", err)
	}
}

// LastResult returns the most recent harvest result, masked unless
// includeToken is set.
func (s *Service) LastResult(_ context.Context, includeToken bool) (types.TokenReadResult, error) {
	res, ok := s.harvester.Last()
	if !ok {
		return types.TokenReadResult{}, types.NewError(types.CodeNotFound, "no harvest has completed yet", nil)
	}
	if !includeToken {
		res = res.Redacted()
	}
	return res, nil
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Browser: "ok", Busy: s.harvester.Busy(), TargetURL: s.harvester.TargetURL()}
	if s.browser == nil {
		return h
	}
	if err := s.browser.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Browser = "unavailable"
		h.BrowserError = err.Error()
	}
	return h
}

func (s *Service) ListCaptures(_ context.Context) ([]diagnostics.Capture, error) {
	if err := s.requireCaptures(); err != nil {
		return nil, err
	}
	return s.captures.List()
}

func (s *Service) GetCapture(_ context.Context, id string) (diagnostics.Capture, error) {
	id, err := s.captureID(id)
	if err != nil {
		return diagnostics.Capture{}, err
	}
	c, err := s.captures.Get(id)
	if err != nil {
		return diagnostics.Capture{}, mapStoreErr(err)
	}
	return c, nil
}

// ReadCaptureImage returns the screenshot and its content type.
func (s *Service) ReadCaptureImage(_ context.Context, id string) ([]byte, string, error) {
	id, err := s.captureID(id)
	if err != nil {
		return nil, "", err
	}
	data, err := s.captures.ReadImage(id)
	if err != nil {
		return nil, "", mapStoreErr(err)
	}
	return data, "image/png", nil
}

func (s *Service) DeleteCapture(_ context.Context, id string) error {
	id, err := s.captureID(id)
	if err != nil {
		return err
	}
	return mapStoreErr(s.captures.Delete(id))
}

func (s *Service) requireCaptures() error {
	if s.captures == nil {
		return types.NewError(types.CodeNotFound, "diagnostics are disabled", nil)
	}
	return nil
}

func (s *Service) captureID(id string) (string, error) {
	if err := s.requireCaptures(); err != nil {
		return "", err
	}
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", types.NewError(types.CodeValidation, "capture id must be a uuid", err)
	}
	return parsed.String(), nil
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, diagnostics.ErrNotFound) {
		return types.NewError(types.CodeNotFound, err.Error(), err)
	}
	return err
}
