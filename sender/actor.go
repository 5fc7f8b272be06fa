package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graphops/tap-agent/aggregator"
	"github.com/graphops/tap-agent/allocation"
	"github.com/graphops/tap-agent/checks"
	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/escrow"
	"github.com/graphops/tap-agent/feetracker"
	"github.com/graphops/tap-agent/limiter"
	"github.com/graphops/tap-agent/logutil"
	"github.com/graphops/tap-agent/metrics"
	"github.com/graphops/tap-agent/network"
	"github.com/graphops/tap-agent/store"
	"github.com/graphops/tap-agent/watcher"
)

var log = logutil.Disabled

// UseLogger installs subsystem logging for the sender package.
func UseLogger(l logutil.Logger) {
	log = l
}

// Config bundles the per-sender thresholds and intervals that drive RAV
// triggering, check evaluation and graceful shutdown.
type Config struct {
	RavRequestBuffer       time.Duration
	TriggerValue           core.U128
	MaxAmountWillingToLose core.U128
	RavRequestTimeout      time.Duration
	ReceiptLimit           int
	RetryInterval          time.Duration
	TimestampTolerance     time.Duration
	ReceiptMaxValue        core.U128
	AllocationGracePeriod  time.Duration
	RecentlyClosedWindow   time.Duration
	CloseRetryWait         time.Duration
	MaxConcurrentSpawns    int
}

// Actor supervises every Allocation Actor belonging to one sender: it
// tracks escrow balance and the active allocation set, evaluates the
// heaviest-allocation trigger condition, and owns the sender-wide
// adaptive limiter and deny state.
type Actor struct {
	addr core.Address

	parent       Parent
	store        *store.Store
	aggregators  *aggregator.Selector
	domain       *core.DomainSeparator
	pipeline     []checks.Check
	denySet      *checks.DenySet
	transactions network.TransactionsWatcher
	appraiser    checks.MinValueAppraiser

	escrowWatcher *watcher.Snapshot[escrow.Snapshot]
	allocWatcher  *watcher.Snapshot[map[core.Address][]core.Allocation]

	closureConfirmer network.ClosureConfirmer

	limiter *limiter.Adaptive
	cfg     Config

	inbox chan message
	wg    sync.WaitGroup

	// mutated only from run()'s goroutine.
	allocations map[core.Address]*allocation.Actor
	feeTracker  *feetracker.Buffered
	ravTracker  *feetracker.Simple
	invalid     *feetracker.Simple
	escrow      escrow.Account
	denied      bool

	// closing tracks allocations whose closure confirmation is in flight, so
	// a full-actor GracefulClose doesn't race a confirmAndCloseAllocation
	// goroutine draining the same allocation actor a second time.
	closing map[core.Address]bool
}

// New constructs a sender Actor. Start must be called before it does
// anything useful.
func New(
	addr core.Address,
	parent Parent,
	st *store.Store,
	aggregators *aggregator.Selector,
	domain *core.DomainSeparator,
	pipeline []checks.Check,
	denySet *checks.DenySet,
	transactions network.TransactionsWatcher,
	closureConfirmer network.ClosureConfirmer,
	appraiser checks.MinValueAppraiser,
	escrowWatcher *watcher.Snapshot[escrow.Snapshot],
	allocWatcher *watcher.Snapshot[map[core.Address][]core.Allocation],
	cfg Config,
) *Actor {
	return &Actor{
		addr:             addr,
		parent:           parent,
		store:            st,
		aggregators:      aggregators,
		domain:           domain,
		pipeline:         pipeline,
		denySet:          denySet,
		transactions:     transactions,
		closureConfirmer: closureConfirmer,
		appraiser:        appraiser,
		escrowWatcher:    escrowWatcher,
		allocWatcher:     allocWatcher,
		limiter:          limiter.New(),
		cfg:              cfg,
		inbox:            make(chan message, 256),
		allocations:      make(map[core.Address]*allocation.Actor),
		feeTracker:       feetracker.New(cfg.RavRequestBuffer),
		ravTracker:       feetracker.NewSimple(),
		invalid:          feetracker.NewSimple(),
		closing:          make(map[core.Address]bool),
	}
}

// Address returns the sender this actor supervises.
func (a *Actor) Address() core.Address {
	return a.addr
}

// Start loads the sender's denial status and non-final RAVs, reads the
// current escrow and allocation snapshots, spawns one Allocation Actor per
// known allocation (bounded concurrency), and begins serving the mailbox.
func (a *Actor) Start(ctx context.Context) error {
	denied, err := a.store.IsDenied(ctx, a.addr)
	if err != nil {
		return fmt.Errorf("sender %s: load denial status: %w", a.addr, err)
	}
	a.denied = denied
	metrics.SenderDenied.WithLabelValues(a.addr.Hex()).Set(boolToFloat(denied))
	metrics.MaxFeePerSender.WithLabelValues(a.addr.Hex()).Set(a.cfg.MaxAmountWillingToLose.Float64())
	metrics.RAVRequestTriggerValue.WithLabelValues(a.addr.Hex()).Set(a.cfg.TriggerValue.Float64())

	ravs, err := a.store.NonFinalLastRavs(ctx, a.addr)
	if err != nil {
		return fmt.Errorf("sender %s: load non-final ravs: %w", a.addr, err)
	}
	for _, r := range ravs {
		a.ravTracker.Update(r.AllocationID, r.ValueAggregate)
	}

	a.escrow = a.escrowWatcher.Current().Accounts[a.addr]

	kindByAlloc := make(map[core.Address]core.AllocationKind, len(ravs))
	for _, r := range ravs {
		kindByAlloc[r.AllocationID] = core.AllocationKindCurrent
	}
	for _, al := range flattenAllocations(a.allocWatcher.Current()) {
		kindByAlloc[al.ID] = al.Kind
	}

	sem := make(chan struct{}, maxInt(a.cfg.MaxConcurrentSpawns, 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for id, kind := range kindByAlloc {
		id, kind := id, kind
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			act := allocation.New(
				a.addr, id, kind, a,
				a.store, a.aggregators, a.domain, a.pipeline,
				a.checkContext, a.signers,
				allocation.Config{
					ReceiptLimit:   a.cfg.ReceiptLimit,
					RequestTimeout: a.cfg.RavRequestTimeout,
					CloseRetryWait: a.cfg.CloseRetryWait,
				},
			)
			if err := act.Start(ctx); err != nil {
				log.Errorf("sender %s: start allocation %s: %v", a.addr, id, err)
				return
			}
			mu.Lock()
			a.allocations[id] = act
			mu.Unlock()
		}()
	}
	wg.Wait()

	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

func (a *Actor) signers() []core.Address {
	acct, ok := a.escrowCurrent().Accounts[a.addr]
	if !ok {
		return nil
	}
	out := make([]core.Address, 0, len(acct.Signers))
	for s := range acct.Signers {
		out = append(out, s)
	}
	return out
}

func (a *Actor) escrowCurrent() escrow.Snapshot {
	return a.escrowWatcher.Current()
}

func (a *Actor) checkContext() *checks.Context {
	return &checks.Context{
		Domain:                a.domain,
		Escrow:                a.escrowCurrent(),
		Allocations:           a.allocationsByID(),
		Transactions:          a.transactions,
		IsDenied:              a.denySet.IsDenied,
		TimestampTolerance:    a.cfg.TimestampTolerance,
		MaxValue:              a.cfg.ReceiptMaxValue,
		MinValueAppraiser:     a.appraiser,
		AllocationGracePeriod: a.cfg.AllocationGracePeriod,
		RecentlyClosedWindow:  a.cfg.RecentlyClosedWindow,
	}
}

func (a *Actor) allocationsByID() map[core.Address]core.Allocation {
	return flattenAllocations(a.allocWatcher.Current())
}

// NewReceipt routes a notice to this sender's mailbox; the owning
// allocation actor is resolved (and spawned on the fly, if this is the
// first receipt seen for a brand-new allocation the allocation watcher
// hasn't polled yet) from the run loop's own goroutine.
func (a *Actor) NewReceipt(n core.NewReceiptNotice) {
	a.inbox <- message{kind: msgNewReceipt, newReceipt: n}
}

func (a *Actor) handleNewReceipt(ctx context.Context, n core.NewReceiptNotice) {
	act, ok := a.allocations[n.AllocationID]
	if !ok {
		kind := core.AllocationKindCurrent
		if al, ok := a.allocationsByID()[n.AllocationID]; ok {
			kind = al.Kind
		}
		act = allocation.New(
			a.addr, n.AllocationID, kind, a,
			a.store, a.aggregators, a.domain, a.pipeline,
			a.checkContext, a.signers,
			allocation.Config{
				ReceiptLimit:   a.cfg.ReceiptLimit,
				RequestTimeout: a.cfg.RavRequestTimeout,
				CloseRetryWait: a.cfg.CloseRetryWait,
			},
		)
		if err := act.Start(ctx); err != nil {
			log.Errorf("sender %s: spawn allocation %s on receipt: %v", a.addr, n.AllocationID, err)
			return
		}
		a.allocations[n.AllocationID] = act
	}
	act.NewReceipt(n)
	a.feeTracker.Add(n.AllocationID, n.Value, time.Unix(0, int64(n.TimestampNs)))
	metrics.SenderFeeTracker.WithLabelValues(a.addr.Hex()).Set(a.feeTracker.GetTotalFee().Float64())
}

// UpdateAllocations replaces the known active allocation set, used when the
// network watcher's snapshot changes.
func (a *Actor) UpdateAllocations(allocations map[core.Address]core.Allocation) {
	a.inbox <- message{kind: msgUpdateAllocations, allocations: allocations}
}

// UpdateEscrow reports a fresh escrow balance/signer set for this sender.
func (a *Actor) UpdateEscrow(acct escrow.Account) {
	a.inbox <- message{kind: msgUpdateEscrow, escrow: acct}
}

// DenyChanged reports a deny/allow transition for this sender.
func (a *Actor) DenyChanged(denied bool) {
	a.inbox <- message{kind: msgDenyChanged, denied: denied}
}

// GracefulClose drains every allocation to its final RAV, then terminates.
func (a *Actor) GracefulClose(ctx context.Context) {
	done := make(chan struct{})
	a.inbox <- message{kind: msgGracefulClose, done: done}
	select {
	case <-done:
	case <-ctx.Done():
	}
	a.wg.Wait()
}

// UpdateReceiptFees implements allocation.Parent.
func (a *Actor) UpdateReceiptFees(allocationID core.Address, update allocation.ReceiptFeesUpdate) {
	a.inbox <- message{kind: msgReceiptFees, allocationID: allocationID, receiptFees: update}
}

// UpdateInvalidReceiptFees implements allocation.Parent.
func (a *Actor) UpdateInvalidReceiptFees(allocationID core.Address, value core.U128) {
	a.inbox <- message{kind: msgInvalidReceiptFees, allocationID: allocationID, invalidValue: value}
}

// UpdateRav implements allocation.Parent.
func (a *Actor) UpdateRav(info core.RAVInfo) {
	a.inbox <- message{kind: msgRav, rav: info}
}

func (a *Actor) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RetryInterval)
	defer ticker.Stop()

	allocCh, cancelAlloc := a.allocWatcher.Changes()
	defer cancelAlloc()
	escrowCh, cancelEscrow := a.escrowWatcher.Changes()
	defer cancelEscrow()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reconcileDenyCondition(ctx)
			a.evaluateTrigger(ctx)
		case <-allocCh:
			a.handleAllocationSnapshot(ctx)
		case <-escrowCh:
			a.updateBalanceAndLastRavs(ctx, a.escrowWatcher.Current().Accounts[a.addr])
			a.reconcileDenyCondition(ctx)
			a.evaluateTrigger(ctx)
		case msg := <-a.inbox:
			reevaluateDeny := true
			switch msg.kind {
			case msgUpdateAllocations:
				a.reconcileAllocations(ctx, msg.allocations)
				reevaluateDeny = false
			case msgUpdateEscrow:
				a.updateBalanceAndLastRavs(ctx, msg.escrow)
			case msgNewReceipt:
				a.handleNewReceipt(ctx, msg.newReceipt)
			case msgDenyChanged:
				a.denied = msg.denied
				metrics.SenderDenied.WithLabelValues(a.addr.Hex()).Set(boolToFloat(msg.denied))
				reevaluateDeny = false
			case msgReceiptFees:
				a.feeTracker.Update(msg.allocationID, msg.receiptFees.Current)
				if msg.receiptFees.Outcome != nil {
					if msg.receiptFees.Outcome.Err != nil {
						a.feeTracker.FailedRavBackoff(msg.allocationID)
						a.limiter.OnFailure()
					} else {
						a.feeTracker.OkRavRequest(msg.allocationID)
						a.limiter.OnSuccess()
					}
				}
				metrics.SenderFeeTracker.WithLabelValues(a.addr.Hex()).Set(a.feeTracker.GetTotalFee().Float64())
			case msgInvalidReceiptFees:
				a.invalid.Update(msg.allocationID, msg.invalidValue)
			case msgRav:
				a.ravTracker.Update(msg.rav.AllocationID, msg.rav.ValueAggregate)
				metrics.PendingRAV.WithLabelValues(a.addr.Hex(), msg.rav.AllocationID.Hex()).Set(msg.rav.ValueAggregate.Float64())
			case msgAllocationClosed:
				a.handleAllocationClosed(msg)
				reevaluateDeny = false
			case msgGracefulClose:
				a.handleGracefulClose(ctx)
				close(msg.done)
				return
			}
			if reevaluateDeny {
				a.reconcileDenyCondition(ctx)
			}
			a.evaluateTrigger(ctx)
		}
	}
}

// denyConditionHolds evaluates the admission-control OR condition: escrow
// exhaustion (pending RAVs plus unaggregated fees reaching the sender's
// on-chain balance) or configured loss tolerance exceeded (unaggregated
// plus invalid-receipt fees). A zero max_amount_willing_to_lose_grt disables
// the tolerance half, matching evaluateTrigger's existing convention for
// the same config field.
func (a *Actor) denyConditionHolds() bool {
	pendingRavs := a.ravTracker.Sum()
	unaggregated := a.feeTracker.GetTotalFee()

	escrowExposure, _ := core.SumU128(pendingRavs, unaggregated)
	if escrowExposure.Cmp(a.escrow.Balance) >= 0 {
		return true
	}

	if a.cfg.MaxAmountWillingToLose.IsZero() {
		return false
	}
	invalidFees := a.invalid.Sum()
	tolerance, _ := core.SumU128(unaggregated, invalidFees)
	return tolerance.Cmp(a.cfg.MaxAmountWillingToLose) >= 0
}

// reconcileDenyCondition applies the three-step decision logic: deny if not
// already denied and the condition holds; re-admit if denied and the
// condition no longer holds. Transitions persist to the denylist table so
// they survive a restart and propagate to every other process watching the
// same table via the denylist notification stream.
func (a *Actor) reconcileDenyCondition(ctx context.Context) {
	holds := a.denyConditionHolds()
	switch {
	case !a.denied && holds:
		if err := a.store.DenylistInsert(ctx, a.addr); err != nil {
			log.Errorf("sender %s: denylist insert: %v", a.addr, err)
			return
		}
		a.denied = true
		metrics.SenderDenied.WithLabelValues(a.addr.Hex()).Set(1)
	case a.denied && !holds:
		if err := a.store.DenylistDelete(ctx, a.addr); err != nil {
			log.Errorf("sender %s: denylist delete: %v", a.addr, err)
			return
		}
		a.denied = false
		metrics.SenderDenied.WithLabelValues(a.addr.Hex()).Set(0)
	}
}

// updateBalanceAndLastRavs overwrites the tracked escrow account and
// reconciles the RAV tracker against the sender's current non-final RAVs,
// adding any missing and removing any stale entry, as UpdateBalanceAndLastRavs
// requires.
func (a *Actor) updateBalanceAndLastRavs(ctx context.Context, acct escrow.Account) {
	a.escrow = acct
	metrics.SenderEscrowBalance.WithLabelValues(a.addr.Hex()).Set(a.escrow.Balance.Float64())

	ravs, err := a.store.NonFinalLastRavs(ctx, a.addr)
	if err != nil {
		log.Errorf("sender %s: reload non-final ravs: %v", a.addr, err)
		return
	}
	current := make(map[core.Address]struct{}, len(ravs))
	for _, r := range ravs {
		current[r.AllocationID] = struct{}{}
		a.ravTracker.Update(r.AllocationID, r.ValueAggregate)
	}
	for id := range a.ravTracker.List() {
		if _, ok := current[id]; !ok {
			a.ravTracker.Remove(id)
		}
	}
}

func (a *Actor) handleAllocationSnapshot(ctx context.Context) {
	a.reconcileAllocations(ctx, flattenAllocations(a.allocWatcher.Current()))
}

// flattenAllocations collapses a by-sender allocation snapshot into a
// single by-allocation-ID map. The network subgraph's active-allocation
// set isn't partitioned by sender (any authorized signer of any sender may
// pay for any allocation), so every consumer needs the full set rather
// than whatever bucket happens to carry its own address.
func flattenAllocations(bySender map[core.Address][]core.Allocation) map[core.Address]core.Allocation {
	out := make(map[core.Address]core.Allocation)
	for _, list := range bySender {
		for _, al := range list {
			out[al.ID] = al
		}
	}
	return out
}

// reconcileAllocations spawns actors for newly seen allocations, then, for
// allocations that disappeared from the active set, confirms via the
// closure confirmer that they're truly closed on-chain before tearing them
// down: blocks the allocation from further RAV candidacy, drains it to its
// final RAV, marks that RAV final, and reports the removal back through the
// mailbox. Each confirmation runs on its own goroutine since the subgraph
// query and the close-retry drain can both take a while and must not stall
// the rest of the mailbox.
func (a *Actor) reconcileAllocations(ctx context.Context, current map[core.Address]core.Allocation) {
	for id, al := range current {
		if _, ok := a.allocations[id]; ok {
			continue
		}
		act := allocation.New(
			a.addr, id, al.Kind, a,
			a.store, a.aggregators, a.domain, a.pipeline,
			a.checkContext, a.signers,
			allocation.Config{
				ReceiptLimit:   a.cfg.ReceiptLimit,
				RequestTimeout: a.cfg.RavRequestTimeout,
				CloseRetryWait: a.cfg.CloseRetryWait,
			},
		)
		if err := act.Start(ctx); err != nil {
			log.Errorf("sender %s: start allocation %s: %v", a.addr, id, err)
			continue
		}
		a.allocations[id] = act
	}

	if a.closureConfirmer == nil {
		return
	}
	for id, act := range a.allocations {
		if _, stillActive := current[id]; stillActive {
			continue
		}
		if a.closing[id] {
			continue
		}
		a.closing[id] = true
		id, act := id, act
		a.wg.Add(1)
		go a.confirmAndCloseAllocation(ctx, id, act)
	}
}

// confirmAndCloseAllocation runs off the mailbox goroutine: it confirms the
// allocation is truly closed on-chain, blocks it in the fee tracker (safe
// cross-goroutine: Buffered guards itself with its own mutex), drains it to
// a final RAV, and marks that RAV final before reporting the outcome back
// to run() so allocations/feeTracker/ravTracker/invalid stay mutated only
// from run()'s own goroutine.
func (a *Actor) confirmAndCloseAllocation(ctx context.Context, id core.Address, act *allocation.Actor) {
	defer a.wg.Done()

	confirmed, err := a.closureConfirmer.ConfirmClosed(ctx, id)
	if err != nil {
		log.Errorf("sender %s: confirm allocation %s closed: %v", a.addr, id, err)
		a.inbox <- message{kind: msgAllocationClosed, allocationID: id, closed: false}
		return
	}
	if !confirmed {
		a.inbox <- message{kind: msgAllocationClosed, allocationID: id, closed: false}
		return
	}

	a.feeTracker.BlockAllocation(id)
	act.GracefulClose(ctx)
	if err := a.store.MarkRavFinal(ctx, a.addr, id); err != nil {
		log.Errorf("sender %s: mark final rav for closed allocation %s: %v", a.addr, id, err)
	}
	a.inbox <- message{kind: msgAllocationClosed, allocationID: id, closed: true}
}

// handleAllocationClosed applies a confirmAndCloseAllocation outcome from
// run()'s own goroutine. A negative outcome (not yet confirmed, or the
// confirmer errored) just clears the in-flight marker so the next
// reconciliation retries it.
func (a *Actor) handleAllocationClosed(msg message) {
	delete(a.closing, msg.allocationID)
	if !msg.closed {
		return
	}
	delete(a.allocations, msg.allocationID)
	a.feeTracker.Remove(msg.allocationID)
	a.ravTracker.Remove(msg.allocationID)
	a.invalid.Remove(msg.allocationID)
	metrics.ClosedSenderAllocationTotal.WithLabelValues(a.addr.Hex()).Inc()
}

// evaluateTrigger picks the heaviest ravable allocation and triggers it when
// either the ravable total crosses trigger_value or the sender's total
// outstanding exposure crosses max_amount_willing_to_lose_grt (in which
// case a RAV is forced regardless of trigger_value to cap risk).
func (a *Actor) evaluateTrigger(ctx context.Context) {
	if a.denied {
		return
	}

	ravable := a.feeTracker.GetRavableTotalFee()
	total := a.feeTracker.GetTotalFee()

	overTrigger := ravable.Cmp(a.cfg.TriggerValue) >= 0
	overRiskCeiling := !a.cfg.MaxAmountWillingToLose.IsZero() && total.Cmp(a.cfg.MaxAmountWillingToLose) >= 0
	if !overTrigger && !overRiskCeiling {
		return
	}

	allocationID, fee, ok := a.feeTracker.GetHeaviestAllocation()
	if !ok || fee.IsZero() {
		return
	}
	if !a.limiter.Acquire() {
		return
	}

	act, ok := a.allocations[allocationID]
	if !ok {
		a.limiter.OnFailure()
		return
	}

	a.feeTracker.StartRavRequest(allocationID)
	act.TriggerRavRequest()
}

func (a *Actor) handleGracefulClose(ctx context.Context) {
	var wg sync.WaitGroup
	for id, act := range a.allocations {
		if a.closing[id] {
			// Already being drained by an in-flight closure-confirmation
			// goroutine; calling GracefulClose a second time here would
			// block forever since the allocation actor only closes its
			// done channel once.
			continue
		}
		id, act := id, act
		wg.Add(1)
		go func() {
			defer wg.Done()
			act.GracefulClose(ctx)
			a.feeTracker.Remove(id)
			a.ravTracker.Remove(id)
			a.invalid.Remove(id)
			metrics.ClosedSenderAllocationTotal.WithLabelValues(a.addr.Hex()).Inc()
		}()
	}
	wg.Wait()
	a.parent.SenderTerminated(a.addr)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
