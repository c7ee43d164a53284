package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tokenharvester/internal/types"
)

type harvestOutput struct {
	Status    int
	HarvestID string `header:"X-Harvest-ID"`
	ErrorCode string `header:"X-Harvest-Error-Code"`
	Body      types.TokenReadResult
}

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status       string `json:"status"`
			Browser      string `json:"browser"`
			BrowserError string `json:"browser_error,omitempty"`
			Busy         bool   `json:"busy"`
			TargetURL    string `json:"target_url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			h := svc.Health(ctx)
			out := &healthOutput{}
			out.Body.Status = h.Status
			out.Body.Browser = h.Browser
			out.Body.BrowserError = h.BrowserError
			out.Body.Busy = h.Busy
			out.Body.TargetURL = h.TargetURL
			return out, nil
		})
}

func registerTokenHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "harvest-token",
		Method:      http.MethodPost,
		Path:        "/api/v1/token/harvest",
		Summary:     "Harvest the session token",
		Description: "Opens a fresh tab on the target page, reads the session from local storage and closes the tab. " +
			"The result is returned with a status matching its error code; 409 when another harvest is running.",
		Tags: []string{"Token"},
	}, func(ctx context.Context, input *struct{}) (*harvestOutput, error) {
		res := svc.Harvest(ctx)
		return &harvestOutput{
			Status:    statusFor(res.ErrorCode),
			HarvestID: res.HarvestID,
			ErrorCode: res.ErrorCode,
			Body:      res,
		}, nil
	})

	type lastInput struct {
		IncludeToken bool `query:"include_token" doc:"Return the full token instead of a masked one"`
	}
	type lastOutput struct {
		Body types.TokenReadResult
	}
	huma.Register(api, huma.Operation{
		OperationID: "last-harvest",
		Method:      http.MethodGet,
		Path:        "/api/v1/token/harvest/last",
		Summary:     "Get the most recent harvest result",
		Tags:        []string{"Token"},
	}, func(ctx context.Context, input *lastInput) (*lastOutput, error) {
		res, err := svc.LastResult(ctx, input.IncludeToken)
		if err != nil {
			return nil, mapErr(err)
		}
		return &lastOutput{Body: res}, nil
	})
}
