package checks

import (
	"context"
	"fmt"

	"github.com/graphops/tap-agent/core"
)

// SignatureCheck recovers the EIP-712 signer and confirms it is authorized
// by some sender in the current escrow snapshot.
func SignatureCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	recovered, err := receipt.RecoverSigner(cctx.Domain)
	if err != nil {
		return Fail, fmt.Errorf("signature: recover: %w", err)
	}
	*signer = recovered

	if _, ok := cctx.Escrow.SenderForSigner(recovered); !ok {
		return Fail, fmt.Errorf("signature: signer %s not authorized by any sender", recovered)
	}
	return Ok, nil
}
