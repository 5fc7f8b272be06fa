package allocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graphops/tap-agent/aggregator"
	"github.com/graphops/tap-agent/backoffutil"
	"github.com/graphops/tap-agent/checks"
	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/logutil"
	"github.com/graphops/tap-agent/metrics"
	"github.com/graphops/tap-agent/store"
)

var log = logutil.Disabled

// UseLogger installs subsystem logging for the allocation package.
func UseLogger(l logutil.Logger) {
	log = l
}

// Config bundles the fixed, rarely-changing settings an Actor needs at
// construction.
type Config struct {
	ReceiptLimit   int
	RequestTimeout time.Duration
	CloseRetryWait time.Duration // GracefulClose's 30s retry interval
}

// Actor owns one (sender, allocation) pair's accounting state. Every
// method that mutates state runs on the actor's own goroutine via run(),
// so no lock is needed on actor-owned fields.
type Actor struct {
	sender       core.Address
	allocationID core.Address
	kind         core.AllocationKind

	parent      Parent
	store       *store.Store
	aggregators *aggregator.Selector
	domain      *core.DomainSeparator
	pipeline    []checks.Check
	checkCtx    func() *checks.Context
	signers     func() []core.Address

	cfg Config

	inbox chan message
	wg    sync.WaitGroup

	// state, mutated only from run()'s goroutine.
	lastSeenID          int64
	unaggregatedFees    core.U128
	invalidReceiptsFees core.U128
	latestRav           *core.RAV
	backoffAttempt      uint32
	backoffUntil        time.Time
}

// New constructs an Actor. Start must be called before any messages are
// sent.
func New(
	sender, allocationID core.Address,
	kind core.AllocationKind,
	parent Parent,
	st *store.Store,
	aggregators *aggregator.Selector,
	domain *core.DomainSeparator,
	pipeline []checks.Check,
	checkCtx func() *checks.Context,
	signers func() []core.Address,
	cfg Config,
) *Actor {
	return &Actor{
		sender:       sender,
		allocationID: allocationID,
		kind:         kind,
		parent:       parent,
		store:        st,
		aggregators:  aggregators,
		domain:       domain,
		pipeline:     pipeline,
		checkCtx:     checkCtx,
		signers:      signers,
		cfg:          cfg,
		inbox:        make(chan message, 64),
	}
}

// Start recomputes unaggregated fees from the database and reports them,
// plus the last RAV if any, upward, then begins serving the mailbox.
// Invalid-receipt fees start at zero; they are not reloaded from the
// database.
func (a *Actor) Start(ctx context.Context) error {
	rav, err := a.store.LastRav(ctx, a.sender, a.allocationID)
	if err != nil {
		return fmt.Errorf("allocation %s: load last rav: %w", a.allocationID, err)
	}
	var sinceTs uint64
	if rav != nil {
		a.latestRav = &rav.RAV
		sinceTs = rav.TimestampNs
	}

	sum, _, err := a.store.SumAndMax(ctx, a.allocationID, a.signers(), sinceTs)
	if err != nil {
		return fmt.Errorf("allocation %s: recompute unaggregated fees: %w", a.allocationID, err)
	}
	a.unaggregatedFees = sum
	metrics.UnaggregatedFees.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Set(a.unaggregatedFees.Float64())

	a.parent.UpdateReceiptFees(a.allocationID, ReceiptFeesUpdate{
		Kind:    UpdateValueKind,
		Current: a.unaggregatedFees,
	})
	if a.latestRav != nil {
		a.parent.UpdateRav(core.RAVInfo{AllocationID: a.allocationID, ValueAggregate: a.latestRav.ValueAggregate})
	}

	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

// NewReceipt notifies the actor of a new receipt notice.
func (a *Actor) NewReceipt(n core.NewReceiptNotice) {
	a.inbox <- message{newReceipt: &n}
}

// TriggerRavRequest asks the actor to attempt a RAV request if conditions
// allow.
func (a *Actor) TriggerRavRequest() {
	a.inbox <- message{trigger: true}
}

// GracefulClose drains outstanding receipts and emits a final RAV before
// terminating, blocking until done. It retries every CloseRetryWait until
// unaggregated fees reach zero, then marks the stored RAV last; it stops
// early if ctx is cancelled, and a failure to mark the RAV last is logged,
// not retried.
func (a *Actor) GracefulClose(ctx context.Context) {
	done := make(chan struct{})
	a.inbox <- message{gracefulClose: done}
	select {
	case <-done:
	case <-ctx.Done():
	}
	a.wg.Wait()
}

func (a *Actor) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			switch {
			case msg.newReceipt != nil:
				a.handleNewReceipt(*msg.newReceipt)
			case msg.trigger:
				a.handleTrigger(ctx)
			case msg.gracefulClose != nil:
				a.handleGracefulClose(ctx)
				close(msg.gracefulClose)
				return
			}
		}
	}
}

func (a *Actor) handleNewReceipt(n core.NewReceiptNotice) {
	if n.ID <= a.lastSeenID {
		return
	}
	a.lastSeenID = n.ID

	next, ok := a.unaggregatedFees.SaturatingAdd(n.Value)
	if !ok {
		log.Errorf("allocation %s: unaggregated fees saturated at u128 max", a.allocationID)
	}
	a.unaggregatedFees = next
	metrics.UnaggregatedFees.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Set(a.unaggregatedFees.Float64())

	a.parent.UpdateReceiptFees(a.allocationID, ReceiptFeesUpdate{
		Kind:    NewReceiptKind,
		Current: a.unaggregatedFees,
		Added:   n.Value,
		Ts:      time.Unix(0, int64(n.TimestampNs)),
	})
}

func (a *Actor) handleTrigger(ctx context.Context) {
	if a.unaggregatedFees.IsZero() {
		return
	}
	if time.Now().Before(a.backoffUntil) {
		return
	}
	a.runRavRequest(ctx)
}

func (a *Actor) handleGracefulClose(ctx context.Context) {
	for !a.unaggregatedFees.IsZero() {
		if err := a.runRavRequest(ctx); err != nil {
			log.Warnf("allocation %s: graceful close rav attempt failed, retrying in %s: %v",
				a.allocationID, a.cfg.CloseRetryWait, err)
			select {
			case <-time.After(a.cfg.CloseRetryWait):
			case <-ctx.Done():
				return
			}
		}
	}
	if err := a.store.MarkRavLast(ctx, a.sender, a.allocationID); err != nil {
		log.Errorf("allocation %s: mark final rav as last: %v", a.allocationID, err)
	}
}

// runRavRequest executes one RAV request attempt and reports the outcome
// upward. It returns the same error it reports, so GracefulClose's retry
// loop can log it.
func (a *Actor) runRavRequest(ctx context.Context) error {
	signers := a.signers()
	var sinceTs uint64
	if a.latestRav != nil {
		sinceTs = a.latestRav.TimestampNs
	}

	receipts, err := a.store.FetchReceiptsNewerThan(ctx, a.allocationID, signers, sinceTs, a.cfg.ReceiptLimit)
	if err != nil {
		return a.reportFailure(core.KindAdapterError, err)
	}
	if len(receipts) == 0 {
		return nil
	}

	cctx := a.checkCtx()
	var valid []core.StoredReceipt
	var invalid []core.StoredReceipt
checkLoop:
	for _, r := range receipts {
		result := checks.Run(ctx, cctx, &r.Receipt, a.pipeline)
		switch result.Outcome {
		case checks.Ok:
			valid = append(valid, r)
		case checks.Fail:
			invalid = append(invalid, r)
		case checks.Retry:
			// Leave pending; this receipt and the rest of the
			// slice re-enter consideration on the next pass.
			break checkLoop
		}
	}

	if err := a.persistInvalid(ctx, invalid); err != nil {
		return a.reportFailure(core.KindAdapterError, err)
	}

	if len(valid) == 0 {
		if len(invalid) == 0 {
			return a.reportFailure(core.KindOther, fmt.Errorf("receipt checks asked for a retry"))
		}
		return a.handleAllReceiptsInvalid(ctx, invalid, signers)
	}

	expected := a.expectedRav(valid)

	client := a.aggregators.For(a.kind)
	start := time.Now()
	rav, err := client.Aggregate(ctx, a.latestRav, valid, a.cfg.RequestTimeout)
	metrics.RAVResponseTimeSeconds.WithLabelValues(a.sender.Hex()).Observe(time.Since(start).Seconds())
	if err != nil {
		return a.reportFailure(core.KindTransportError, err)
	}

	if verr := a.verifyRav(rav, &expected); verr != nil {
		a.recordFailedRequest(ctx, &expected, rav, verr)
		return a.reportFailure(core.KindInvalidRAV, verr)
	}

	maxTs := valid[len(valid)-1].TimestampNs
	if err := a.store.UpsertRavAndDeleteReceipts(ctx, a.sender, *rav, signers, sinceTs+1, maxTs); err != nil {
		return a.reportFailure(core.KindAdapterError, err)
	}

	a.latestRav = rav
	a.backoffAttempt = 0
	a.backoffUntil = time.Time{}

	sum, _, err := a.store.SumAndMax(ctx, a.allocationID, signers, rav.TimestampNs)
	if err != nil {
		return a.reportFailure(core.KindAdapterError, err)
	}
	a.unaggregatedFees = sum
	metrics.UnaggregatedFees.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Set(a.unaggregatedFees.Float64())

	info := core.RAVInfo{AllocationID: a.allocationID, ValueAggregate: rav.ValueAggregate}
	metrics.RAVsCreatedTotal.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Inc()
	metrics.PendingRAV.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Set(rav.ValueAggregate.Float64())
	a.parent.UpdateRav(info)
	a.parent.UpdateReceiptFees(a.allocationID, ReceiptFeesUpdate{
		Kind:    RavRequestResponseKind,
		Current: a.unaggregatedFees,
		Outcome: &RavOutcome{RAV: info},
	})
	return nil
}

func (a *Actor) expectedRav(valid []core.StoredReceipt) core.RAV {
	var prevValue core.U128
	if a.latestRav != nil {
		prevValue = a.latestRav.ValueAggregate
	}
	var sum core.U128
	var maxTs uint64
	for _, r := range valid {
		sum, _ = sum.SaturatingAdd(r.Value)
		if r.TimestampNs > maxTs {
			maxTs = r.TimestampNs
		}
	}
	total, _ := prevValue.SaturatingAdd(sum)
	return core.RAV{AllocationID: a.allocationID, TimestampNs: maxTs, ValueAggregate: total}
}

func (a *Actor) verifyRav(got *core.RAV, expected *core.RAV) error {
	signer, err := got.RecoverSigner(a.domain)
	if err != nil {
		return fmt.Errorf("recover rav signer: %w", err)
	}
	authorized := false
	for _, s := range a.signers() {
		if s == signer {
			authorized = true
			break
		}
	}
	if !authorized {
		return fmt.Errorf("rav signer %s not authorized for sender %s", signer, a.sender)
	}
	if got.AllocationID != expected.AllocationID {
		return fmt.Errorf("rav allocation mismatch: got %s want %s", got.AllocationID, expected.AllocationID)
	}
	if got.TimestampNs != expected.TimestampNs {
		return fmt.Errorf("rav timestamp mismatch: got %d want %d", got.TimestampNs, expected.TimestampNs)
	}
	if got.ValueAggregate.Cmp(expected.ValueAggregate) != 0 {
		return fmt.Errorf("rav value mismatch: got %s want %s", got.ValueAggregate, expected.ValueAggregate)
	}
	return core.VerifyMonotone(a.latestRav, got)
}

func (a *Actor) persistInvalid(ctx context.Context, invalid []core.StoredReceipt) error {
	if len(invalid) == 0 {
		return nil
	}
	var total core.U128
	for _, r := range invalid {
		if err := a.store.StoreInvalidReceipt(ctx, r.Receipt, r.Signer, "failed check during rav request"); err != nil {
			return err
		}
		total, _ = total.SaturatingAdd(r.Value)
	}
	a.invalidReceiptsFees, _ = a.invalidReceiptsFees.SaturatingAdd(total)
	metrics.InvalidReceiptFees.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Set(a.invalidReceiptsFees.Float64())
	a.parent.UpdateInvalidReceiptFees(a.allocationID, a.invalidReceiptsFees)
	return nil
}

func (a *Actor) handleAllReceiptsInvalid(ctx context.Context, receipts []core.StoredReceipt, signers []core.Address) error {
	minTs, maxTs := receipts[0].TimestampNs, receipts[0].TimestampNs
	for _, r := range receipts {
		if r.TimestampNs < minTs {
			minTs = r.TimestampNs
		}
		if r.TimestampNs > maxTs {
			maxTs = r.TimestampNs
		}
	}
	if _, err := a.store.DeleteReceiptsInRange(ctx, a.allocationID, signers, minTs, maxTs); err != nil {
		return a.reportFailure(core.KindAdapterError, err)
	}

	var sinceTs uint64
	if a.latestRav != nil {
		sinceTs = a.latestRav.TimestampNs
	}
	sum, _, err := a.store.SumAndMax(ctx, a.allocationID, signers, sinceTs)
	if err != nil {
		return a.reportFailure(core.KindAdapterError, err)
	}
	a.unaggregatedFees = sum
	metrics.UnaggregatedFees.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Set(a.unaggregatedFees.Float64())

	a.parent.UpdateReceiptFees(a.allocationID, ReceiptFeesUpdate{
		Kind:    RavRequestResponseKind,
		Current: a.unaggregatedFees,
		Outcome: &RavOutcome{Kind: core.KindAllReceiptsInvalid, Err: fmt.Errorf("all receipts in window invalid")},
	})
	return nil
}

func (a *Actor) recordFailedRequest(ctx context.Context, expected *core.RAV, got *core.RAV, reason error) {
	expectedJSON := []byte(fmt.Sprintf(`{"allocation_id":%q,"timestamp_ns":%d,"value_aggregate":%q}`,
		expected.AllocationID, expected.TimestampNs, expected.ValueAggregate))
	var responseJSON []byte
	if got != nil {
		responseJSON = []byte(fmt.Sprintf(`{"allocation_id":%q,"timestamp_ns":%d,"value_aggregate":%q}`,
			got.AllocationID, got.TimestampNs, got.ValueAggregate))
	}
	if err := a.store.RecordFailedRavRequest(ctx, a.sender, a.allocationID, expectedJSON, responseJSON, reason.Error()); err != nil {
		log.Errorf("allocation %s: record failed rav request: %v", a.allocationID, err)
	}
}

func (a *Actor) reportFailure(kind core.FailureKind, err error) error {
	a.backoffUntil = time.Now().Add(backoffutil.Delay(a.backoffAttempt))
	if a.backoffAttempt < 32 {
		a.backoffAttempt++
	}
	metrics.RAVsFailedTotal.WithLabelValues(a.sender.Hex(), a.allocationID.Hex()).Inc()

	a.parent.UpdateReceiptFees(a.allocationID, ReceiptFeesUpdate{
		Kind:    RavRequestResponseKind,
		Current: a.unaggregatedFees,
		Outcome: &RavOutcome{Err: err, Kind: kind},
	})
	return err
}

// AllocationID returns the allocation this actor owns.
func (a *Actor) AllocationID() core.Address {
	return a.allocationID
}

// Kind returns the allocation's protocol kind.
func (a *Actor) Kind() core.AllocationKind {
	return a.kind
}
