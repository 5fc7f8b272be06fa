// Package sender implements the per-sender supervisor above the
// allocation actors: it tracks escrow balance and the active allocation
// set for one sender, decides when to trigger RAV requests across
// allocations, and owns the sender-wide deny and adaptive-limiter state.
package sender

import (
	"github.com/graphops/tap-agent/allocation"
	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/escrow"
)

// Parent is the upward-reporting interface a Sender Actor drives against
// its supervisor.
type Parent interface {
	// SenderTerminated notifies the supervisor that sender's actor has
	// fully drained and can be removed from the live set.
	SenderTerminated(sender core.Address)
}

type messageKind uint8

const (
	msgUpdateAllocations messageKind = iota
	msgUpdateEscrow
	msgNewReceipt
	msgReceiptFees
	msgInvalidReceiptFees
	msgRav
	msgTriggerCheck
	msgDenyChanged
	msgGracefulClose
	msgAllocationClosed
)

// message is the Sender Actor's mailbox envelope. Only one field group is
// populated per message, selected by kind.
type message struct {
	kind messageKind

	allocations map[core.Address]core.Allocation
	escrow      escrow.Account
	newReceipt  core.NewReceiptNotice

	allocationID core.Address
	receiptFees  allocation.ReceiptFeesUpdate
	invalidValue core.U128
	rav          core.RAVInfo
	closed       bool

	denied bool

	done chan struct{}
}
