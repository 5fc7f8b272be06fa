package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/graphops/tap-agent/core"
)

// MaxValueCheck rejects receipts above the configured per-receipt ceiling
// (config key `receipt_max_value`).
func MaxValueCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	if receipt.Value.Cmp(cctx.MaxValue) > 0 {
		return Fail, fmt.Errorf("max_value: %s exceeds ceiling %s", receipt.Value, cctx.MaxValue)
	}
	return Ok, nil
}

// MinimumValueCheck requires the receipt's value to meet the pluggable
// per-query appraisal, except during a grace period after the allocation
// was created — broadcasters and the indexer need time to agree on
// pricing before this is enforced.
func MinimumValueCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	alloc, ok := cctx.Allocations[receipt.AllocationID]
	if ok && cctx.AllocationGracePeriod > 0 {
		createdAt := epochApproxTime(alloc.CreatedAtEpoch)
		if cctx.now().Before(createdAt.Add(cctx.AllocationGracePeriod)) {
			return Ok, nil
		}
	}

	if cctx.MinValueAppraiser == nil {
		return Ok, nil
	}
	meets, err := cctx.MinValueAppraiser.MeetsMinimum(ctx, receipt)
	if err != nil {
		return Retry, fmt.Errorf("minimum_value: appraise: %w", err)
	}
	if !meets {
		return Fail, fmt.Errorf("minimum_value: %s below appraised minimum", receipt.Value)
	}
	return Ok, nil
}

// epochApproxTime is a placeholder conversion from an on-chain epoch
// number to wall-clock time; real deployments wire this to the network
// subgraph's epoch-length schedule. Treating epoch as a Unix-second
// timestamp keeps the grace-period math well-defined for testing.
func epochApproxTime(epoch uint64) time.Time {
	return time.Unix(int64(epoch), 0)
}
