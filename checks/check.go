// Package checks implements the pluggable receipt validation pipeline:
// signature/signer, allocation eligibility, sender balance, timestamp, max
// value, minimum value, and deny list.
package checks

import (
	"context"
	"time"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/escrow"
	"github.com/graphops/tap-agent/network"
)

// Outcome is a check's verdict on one receipt.
type Outcome uint8

const (
	// Ok means the receipt passed this check; evaluation continues to
	// the next one in the pipeline.
	Ok Outcome = iota
	// Fail means the receipt is invalid and should move to
	// receipts_invalid; evaluation of this receipt stops.
	Fail
	// Retry means the check could not be completed (e.g. a stale
	// snapshot) and the receipt should be left pending for the next
	// pass; evaluation of this receipt stops.
	Retry
)

// MinValueAppraiser evaluates whether a receipt's value meets the
// per-query appraisal; pluggable because pricing is out of the core's
// scope.
type MinValueAppraiser interface {
	MeetsMinimum(ctx context.Context, receipt *core.Receipt) (bool, error)
}

// Context bundles everything a Check needs to evaluate one receipt: the
// current escrow and allocation snapshots, config thresholds, and the
// pluggable collaborators checks depend on.
type Context struct {
	Domain *core.DomainSeparator

	Escrow       escrow.Snapshot
	Allocations  map[core.Address]core.Allocation
	Transactions network.TransactionsWatcher

	IsDenied func(sender core.Address) bool

	Now                   func() time.Time
	TimestampTolerance    time.Duration
	MaxValue              core.U128
	MinValueAppraiser     MinValueAppraiser
	AllocationGracePeriod time.Duration
	RecentlyClosedWindow  time.Duration
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Check validates one aspect of a receipt, given its already-recovered
// signer (zero Address if not yet known — the Signature check is
// responsible for filling it in for every check that runs after it).
type Check func(ctx context.Context, cctx *Context, receipt *core.Receipt, signer *core.Address) (Outcome, error)

// Result is the pipeline's verdict plus, for Fail, the failing check's
// error text in Reason.
type Result struct {
	Outcome Outcome
	Signer  core.Address
	Reason  string
	Err     error
}

// Run evaluates checks in order against receipt, short-circuiting on the
// first non-Ok outcome.
func Run(ctx context.Context, cctx *Context, receipt *core.Receipt, pipeline []Check) Result {
	var signer core.Address
	for _, check := range pipeline {
		outcome, err := check(ctx, cctx, receipt, &signer)
		switch outcome {
		case Ok:
			continue
		case Fail:
			reason := ""
			if err != nil {
				reason = err.Error()
			}
			return Result{Outcome: Fail, Signer: signer, Reason: reason, Err: err}
		case Retry:
			return Result{Outcome: Retry, Signer: signer, Err: err}
		}
	}
	return Result{Outcome: Ok, Signer: signer}
}

// DefaultPipeline returns the standard check order.
func DefaultPipeline() []Check {
	return []Check{
		SignatureCheck,
		AllocationEligibleCheck,
		SenderBalanceCheck,
		TimestampCheck,
		MaxValueCheck,
		MinimumValueCheck,
		DenyListCheck,
	}
}
