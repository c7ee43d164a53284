package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dgnsrekt/tokenharvester/internal/types"
)

// ErrHarvestFailed is returned by RunOnce when no token was read.
var ErrHarvestFailed = errors.New("token harvest failed")

type harvestRunner interface {
	Harvest(ctx context.Context) types.TokenReadResult
}

// RunOnce runs a single harvest and writes its result to w as JSON. The token
// is masked unless showToken is set.
func RunOnce(ctx context.Context, svc harvestRunner, w io.Writer, showToken bool) error {
	res := svc.Harvest(ctx)
	out := res
	if !showToken {
		out = res.Redacted()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrHarvestFailed, res.Error)
	}
	return nil
}
