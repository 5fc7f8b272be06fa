// Package allocation implements the per-(sender, allocation) state machine:
// it ingests receipts, runs checks, triggers RAV requests, stores RAVs,
// handles invalid-receipt fallout, and emits a final RAV on close.
package allocation

import (
	"time"

	"github.com/graphops/tap-agent/core"
)

// ReceiptFeesKind tags the variant of a ReceiptFeesUpdate, mirroring the
// tagged union reporting receipt fee updates upward.
type ReceiptFeesKind uint8

const (
	// NewReceiptKind reports a single receipt's value addition.
	NewReceiptKind ReceiptFeesKind = iota
	// UpdateValueKind overwrites the allocation's tracked total
	// (startup reconciliation).
	UpdateValueKind
	// RavRequestResponseKind finalizes an in-flight RAV request.
	RavRequestResponseKind
)

// RavOutcome is the result half of a RavRequestResponseKind update.
type RavOutcome struct {
	Err  error
	Kind core.FailureKind
	RAV  core.RAVInfo
}

// ReceiptFeesUpdate is what an Allocation Actor reports upward to its
// parent Sender Actor after processing a message.
type ReceiptFeesUpdate struct {
	Kind    ReceiptFeesKind
	Current core.U128 // current unaggregated total, always populated
	Added   core.U128 // NewReceiptKind only: the value just added
	Ts      time.Time // NewReceiptKind only: the receipt's timestamp
	Outcome *RavOutcome
}

// Parent is the upward-reporting interface an Allocation Actor drives; the
// Sender Actor implements it (UpdateReceiptFees,
// UpdateInvalidReceiptFees, UpdateRav messages).
type Parent interface {
	UpdateReceiptFees(allocation core.Address, update ReceiptFeesUpdate)
	UpdateInvalidReceiptFees(allocation core.Address, value core.U128)
	UpdateRav(info core.RAVInfo)
}

// message is the unexported mailbox envelope type; the exported
// constructors below are what callers use to talk to an Actor.
type message struct {
	newReceipt    *core.NewReceiptNotice
	trigger       bool
	gracefulClose chan struct{}
}
