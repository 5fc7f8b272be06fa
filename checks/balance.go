package checks

import (
	"context"
	"fmt"

	"github.com/graphops/tap-agent/core"
)

// SenderBalanceCheck requires the sender resolved from the receipt's
// signer to have strictly positive escrow balance.
func SenderBalanceCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	sender, ok := cctx.Escrow.SenderForSigner(*signer)
	if !ok {
		return Fail, fmt.Errorf("sender_balance: no sender for signer %s", signer)
	}
	balance := cctx.Escrow.Balance(sender)
	if balance.IsZero() {
		return Fail, fmt.Errorf("sender_balance: sender %s has zero escrow balance", sender)
	}
	return Ok, nil
}
