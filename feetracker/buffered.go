package feetracker

import (
	"sync"
	"time"

	"github.com/graphops/tap-agent/backoffutil"
	"github.com/graphops/tap-agent/core"
)

// increment is one recorded addition to an allocation's unaggregated fees,
// kept so TotalOutsideBuffer can sum only the entries old enough to be
// safely included in a RAV request.
type increment struct {
	ts    time.Time
	value core.U128
	count uint64
}

// allocState is the per-allocation bookkeeping the buffered tracker keeps:
// a running total plus the fields needed to decide ravability.
type allocState struct {
	total          core.U128
	count          uint64
	lastReceiptTs  time.Time
	blocked        bool
	ravInFlight    bool
	backoffUntil   time.Time
	backoffAttempt uint32

	// increments is a small bounded queue of recent additions; entries
	// older than the buffer are folded into the allocation's confirmed
	// "outside buffer" baseline and dropped to keep the queue short.
	increments    []increment
	outsideBuffer core.U128
	outsideCount  uint64
}

// Buffered is the sender-fee tracker: a
// per-allocation total with a time buffer protecting in-flight receipts
// from premature aggregation, plus in-flight/backoff/blocked state used by
// get_heaviest_allocation to choose a RAV target.
type Buffered struct {
	mu     sync.Mutex
	buffer time.Duration
	allocs map[core.Address]*allocState
	now    func() time.Time
}

// New returns a Buffered tracker with the given aggregation buffer
// duration (config key `rav_request_buffer`).
func New(buffer time.Duration) *Buffered {
	return &Buffered{
		buffer: buffer,
		allocs: make(map[core.Address]*allocState),
		now:    time.Now,
	}
}

// WithClock overrides the tracker's time source, for deterministic tests.
func (b *Buffered) WithClock(now func() time.Time) *Buffered {
	b.now = now
	return b
}

func (b *Buffered) state(allocation core.Address) *allocState {
	s, ok := b.allocs[allocation]
	if !ok {
		s = &allocState{}
		b.allocs[allocation] = s
	}
	return s
}

// pruneLocked folds any increments now older than the buffer into the
// allocation's confirmed baseline. Must be called with b.mu held.
func (b *Buffered) pruneLocked(s *allocState) {
	cutoff := b.now().Add(-b.buffer)
	i := 0
	for ; i < len(s.increments); i++ {
		inc := s.increments[i]
		if inc.ts.After(cutoff) {
			break
		}
		s.outsideBuffer, _ = s.outsideBuffer.SaturatingAdd(inc.value)
		s.outsideCount += inc.count
	}
	s.increments = s.increments[i:]
}

// Add records a receipt's value against allocation, with saturating
// add semantics (clamped at u128 max; overflow is the caller's to log).
func (b *Buffered) Add(allocation core.Address, value core.U128, ts time.Time) (ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(allocation)
	next, added := s.total.SaturatingAdd(value)
	s.total = next
	s.count++
	if ts.After(s.lastReceiptTs) {
		s.lastReceiptTs = ts
	}
	s.increments = append(s.increments, increment{ts: ts, value: value, count: 1})
	b.pruneLocked(s)
	return added
}

// Update overwrites the allocation's total, used after a RAV completes and
// the caller recomputes unaggregated fees from the database. It also
// clears the increment queue, since the new total already reflects
// everything up to now.
func (b *Buffered) Update(allocation core.Address, unaggregated core.U128) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(allocation)
	s.total = unaggregated
	s.increments = nil
	s.outsideBuffer = unaggregated
	s.outsideCount = 0
}

// Remove deletes the allocation entirely, used once its final RAV is
// stored and it leaves the active set.
func (b *Buffered) Remove(allocation core.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allocs, allocation)
}

// TotalOutsideBuffer returns the sum of increments older than now-buffer,
// i.e. the portion of the allocation's fees safe to include in a RAV
// request right now.
func (b *Buffered) TotalOutsideBuffer(allocation core.Address) core.U128 {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.allocs[allocation]
	if !ok {
		return core.U128{}
	}
	b.pruneLocked(s)
	return s.outsideBuffer
}

// CountOutsideBuffer returns the number of receipts older than the buffer,
// used by the count-based trigger.
func (b *Buffered) CountOutsideBuffer(allocation core.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.allocs[allocation]
	if !ok {
		return 0
	}
	b.pruneLocked(s)
	return s.outsideCount
}

// insideBuffer reports whether the allocation's most recent receipt falls
// within the buffer window — never ravable while still inside it.
func (b *Buffered) insideBufferLocked(s *allocState) bool {
	if s.lastReceiptTs.IsZero() {
		return false
	}
	return s.lastReceiptTs.After(b.now().Add(-b.buffer))
}

func (b *Buffered) candidateLocked(s *allocState) bool {
	if s.blocked || s.ravInFlight {
		return false
	}
	if b.now().Before(s.backoffUntil) {
		return false
	}
	if b.insideBufferLocked(s) {
		return false
	}
	return true
}

// GetHeaviestAllocation returns the allocation with the largest ravable fee
// among candidates (excluding blocked, in-flight, backed-off, or
// inside-buffer allocations), ties broken by largest last-receipt
// timestamp then lexicographic address order.
func (b *Buffered) GetHeaviestAllocation() (allocation core.Address, fee core.U128, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best core.Address
	var bestFee core.U128
	var bestTs time.Time
	found := false

	for addr, s := range b.allocs {
		if !b.candidateLocked(s) {
			continue
		}
		b.pruneLocked(s)
		fee := s.outsideBuffer
		if fee.IsZero() {
			continue
		}

		switch {
		case !found:
			best, bestFee, bestTs, found = addr, fee, s.lastReceiptTs, true
		case fee.Cmp(bestFee) > 0:
			best, bestFee, bestTs = addr, fee, s.lastReceiptTs
		case fee.Cmp(bestFee) == 0:
			if s.lastReceiptTs.After(bestTs) {
				best, bestFee, bestTs = addr, fee, s.lastReceiptTs
			} else if s.lastReceiptTs.Equal(bestTs) && addr.Less(best) {
				best, bestFee, bestTs = addr, fee, s.lastReceiptTs
			}
		}
	}
	return best, bestFee, found
}

// CanTrigger reports whether allocation is currently eligible to be the
// target of a RAV request (not blocked, not in-flight, not backed off, and
// outside the buffer).
func (b *Buffered) CanTrigger(allocation core.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.allocs[allocation]
	if !ok {
		return false
	}
	return b.candidateLocked(s)
}

// StartRavRequest marks allocation as having an in-flight RAV request.
func (b *Buffered) StartRavRequest(allocation core.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(allocation).ravInFlight = true
}

// OkRavRequest clears in-flight and backoff state after a successful RAV.
func (b *Buffered) OkRavRequest(allocation core.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(allocation)
	s.ravInFlight = false
	s.backoffAttempt = 0
	s.backoffUntil = time.Time{}
}

// FailedRavBackoff clears in-flight and applies exponential backoff:
// 100ms * 2^n, capped at 60s.
func (b *Buffered) FailedRavBackoff(allocation core.Address) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(allocation)
	s.ravInFlight = false

	delay := backoffutil.Delay(s.backoffAttempt)
	if s.backoffAttempt < 32 {
		s.backoffAttempt++
	}
	s.backoffUntil = b.now().Add(delay)
	return delay
}

// BlockAllocation permanently excludes allocation from candidacy, used
// while its actor is being torn down for a final RAV.
func (b *Buffered) BlockAllocation(allocation core.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(allocation).blocked = true
}

// GetTotalFee returns the sum over all tracked allocations, buffered or
// not.
func (b *Buffered) GetTotalFee() core.U128 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total core.U128
	for _, s := range b.allocs {
		total, _ = total.SaturatingAdd(s.total)
	}
	return total
}

// GetRavableTotalFee sums only the candidate allocations' outside-buffer
// fees, the value the Sender Actor compares against `trigger_value`.
func (b *Buffered) GetRavableTotalFee() core.U128 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total core.U128
	for _, s := range b.allocs {
		if !b.candidateLocked(s) {
			continue
		}
		b.pruneLocked(s)
		total, _ = total.SaturatingAdd(s.outsideBuffer)
	}
	return total
}

// List returns a defensive copy of allocation -> total, for metrics export
// and restart reconciliation checks.
func (b *Buffered) List() map[core.Address]core.U128 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[core.Address]core.U128, len(b.allocs))
	for addr, s := range b.allocs {
		out[addr] = s.total
	}
	return out
}
