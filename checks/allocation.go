package checks

import (
	"context"
	"fmt"

	"github.com/graphops/tap-agent/core"
)

// AllocationEligibleCheck requires the receipt's allocation to be active,
// or — if closed — not yet redeemed on-chain.
func AllocationEligibleCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	alloc, ok := cctx.Allocations[receipt.AllocationID]
	if !ok {
		return Fail, fmt.Errorf("allocation_eligible: %s unknown", receipt.AllocationID)
	}
	if !alloc.IsClosed() {
		return Ok, nil
	}

	if cctx.Transactions == nil {
		return Retry, fmt.Errorf("allocation_eligible: no transactions watcher configured")
	}
	redeemed, err := cctx.Transactions.IsRedeemed(ctx, alloc.ID)
	if err != nil {
		return Retry, fmt.Errorf("allocation_eligible: check redemption: %w", err)
	}
	if redeemed {
		return Fail, fmt.Errorf("allocation_eligible: %s already redeemed", receipt.AllocationID)
	}
	return Ok, nil
}
