// Package api exposes the harvester over HTTP with an OpenAPI description.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tokenharvester/internal/controller"
	"github.com/dgnsrekt/tokenharvester/internal/diagnostics"
	"github.com/dgnsrekt/tokenharvester/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Harvest(ctx context.Context) types.TokenReadResult
	LastResult(ctx context.Context, includeToken bool) (types.TokenReadResult, error)
	Health(ctx context.Context) controller.Health
	ListCaptures(ctx context.Context) ([]diagnostics.Capture, error)
	GetCapture(ctx context.Context, id string) (diagnostics.Capture, error)
	ReadCaptureImage(ctx context.Context, id string) ([]byte, string, error)
	DeleteCapture(ctx context.Context, id string) error
}

// NewServer builds the API router. A non-nil events handler is mounted at
// /api/v1/token/events.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Token Harvester API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if events != nil {
		router.Get("/api/v1/token/events", events.ServeHTTP)
	}

	registerHealthHandlers(api, svc)
	registerTokenHandlers(api, svc)
	registerDiagnosticsHandlers(api, svc)

	return router
}

// statusFor maps an error code to the HTTP status reported for it.
func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case types.CodeValidation:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeBusy:
		return http.StatusConflict
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeCDPUnavailable:
		return http.StatusServiceUnavailable
	case types.CodeUnexpectedRedirect, types.CodeProtocol, types.CodeParse, types.CodeTokenNotFound:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		status := statusFor(coded.Code)
		if status == http.StatusInternalServerError {
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
		return huma.NewError(status, coded.Message)
	}
	return huma.Error500InternalServerError(err.Error())
}
