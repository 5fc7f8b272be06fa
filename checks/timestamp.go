package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/graphops/tap-agent/core"
)

// TimestampCheck requires |receipt.ts - now| <= tolerance, at nanosecond
// precision.
func TimestampCheck(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error) {
	now := cctx.now()
	receiptTime := time.Unix(0, int64(receipt.TimestampNs))

	delta := receiptTime.Sub(now)
	if delta < 0 {
		delta = -delta
	}
	if delta > cctx.TimestampTolerance {
		return Fail, fmt.Errorf("timestamp: %s outside tolerance %s of now (%s)",
			receiptTime, cctx.TimestampTolerance, now)
	}
	return Ok, nil
}
