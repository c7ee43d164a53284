package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tokenharvester/internal/diagnostics"
)

func registerDiagnosticsHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Captures []diagnostics.Capture `json:"captures"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-diagnostics", Method: http.MethodGet, Path: "/api/v1/diagnostics", Summary: "List failure captures", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			captures, err := svc.ListCaptures(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Captures = captures
			if out.Body.Captures == nil {
				out.Body.Captures = []diagnostics.Capture{}
			}
			return out, nil
		})

	type captureIDInput struct {
		CaptureID string `path:"capture_id"`
	}
	type captureOutput struct {
		Body diagnostics.Capture
	}
	huma.Register(api, huma.Operation{OperationID: "get-diagnostic", Method: http.MethodGet, Path: "/api/v1/diagnostics/{capture_id}", Summary: "Get failure capture metadata", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, input *captureIDInput) (*captureOutput, error) {
			c, err := svc.GetCapture(ctx, input.CaptureID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &captureOutput{Body: c}, nil
		})

	type imageOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{OperationID: "get-diagnostic-image", Method: http.MethodGet, Path: "/api/v1/diagnostics/{capture_id}/image", Summary: "Get failure capture screenshot", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, input *captureIDInput) (*imageOutput, error) {
			data, contentType, err := svc.ReadCaptureImage(ctx, input.CaptureID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &imageOutput{ContentType: contentType, Body: data}, nil
		})

	type deleteOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-diagnostic", Method: http.MethodDelete, Path: "/api/v1/diagnostics/{capture_id}", Summary: "Delete failure capture", Tags: []string{"Diagnostics"}},
		func(ctx context.Context, input *captureIDInput) (*deleteOutput, error) {
			if err := svc.DeleteCapture(ctx, input.CaptureID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}
