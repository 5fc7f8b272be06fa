// Package aggregator implements the RPC client side of the aggregator
// contract: aggregate(previous_rav?, receipts[]) -> signed
// RAV, with two coexisting protocol versions selected by allocation kind.
package aggregator

import (
	"context"
	"time"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/logutil"
)

var log = logutil.Disabled

// UseLogger installs subsystem logging for the aggregator package.
func UseLogger(l logutil.Logger) {
	log = l
}

// Client is the aggregator RPC contract the Allocation Actor drives.
type Client interface {
	// Aggregate sends previous (nil for an allocation's first RAV) and
	// receipts to the aggregator, returning the newly signed RAV. timeout
	// bounds the whole call (config key `rav_request_timeout`).
	Aggregate(ctx context.Context, previous *core.RAV, receipts []core.StoredReceipt, timeout time.Duration) (*core.RAV, error)
}

// Selector holds one Client per allocation protocol version and picks the
// right one ("the agent selects the client based on the
// allocation's kind").
type Selector struct {
	Legacy  Client
	Current Client
}

// For returns the Client for kind.
func (s *Selector) For(kind core.AllocationKind) Client {
	if kind == core.AllocationKindLegacy {
		return s.Legacy
	}
	return s.Current
}
