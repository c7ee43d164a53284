//go:build integration

package integration

import (
	"net/http"
	"sync"
	"testing"
)

type harvestResult struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	IsLogged  bool   `json:"is_logged"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	HarvestID string `json:"harvest_id"`
}

func TestHarvestToken(t *testing.T) {
	requireBrowser(t)

	resp := env.POST(t, "/api/v1/token/harvest")
	result := decodeJSON[harvestResult](t, resp)
	if result.HarvestID == "" {
		t.Fatal("expected harvest_id")
	}
	if !result.Success {
		t.Fatalf("harvest failed with %d: %s %s", resp.StatusCode, result.ErrorCode, result.Error)
	}
	requireField(t, resp.StatusCode, http.StatusOK, "status")
	if result.Token == "" {
		t.Fatal("expected token on success")
	}
	t.Logf("harvest %s: logged=%v", result.HarvestID, result.IsLogged)

	last := env.GET(t, "/api/v1/token/harvest/last")
	requireStatus(t, last, http.StatusOK)
	masked := decodeJSON[harvestResult](t, last)
	requireField(t, masked.HarvestID, result.HarvestID, "harvest_id")
	if masked.Token == result.Token && len(result.Token) > 8 {
		t.Fatal("last result exposed the token without include_token")
	}

	full := env.GET(t, "/api/v1/token/harvest/last?include_token=true")
	requireStatus(t, full, http.StatusOK)
	requireField(t, decodeJSON[harvestResult](t, full).Token, result.Token, "token")
}

func TestHarvestOverlapRejected(t *testing.T) {
	requireBrowser(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes []int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, env.BaseURL+"/api/v1/token/harvest", nil)
			if err != nil {
				return
			}
			resp, err := env.Client.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			mu.Lock()
			codes = append(codes, resp.StatusCode)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(codes) != 2 {
		t.Fatalf("got %d responses, want 2", len(codes))
	}
	conflicts := 0
	for _, c := range codes {
		if c == http.StatusConflict {
			conflicts++
		}
	}
	if conflicts > 1 {
		t.Fatalf("status codes = %v, at most one request may be rejected", codes)
	}
	t.Logf("overlapping harvest status codes: %v", codes)
}
