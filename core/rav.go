package core

import (
	"fmt"
	"time"
)

// AllocationKind tags which aggregator protocol version an allocation's
// RAVs are produced and verified against.
type AllocationKind uint8

const (
	// AllocationKindLegacy allocations speak the older aggregator
	// protocol version.
	AllocationKindLegacy AllocationKind = iota
	// AllocationKindCurrent allocations speak the current aggregator
	// protocol version.
	AllocationKindCurrent
)

func (k AllocationKind) String() string {
	switch k {
	case AllocationKindLegacy:
		return "legacy"
	case AllocationKindCurrent:
		return "current"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RAV (Receipt Aggregate Voucher) is a signed cumulative claim over all
// valid receipts up to TimestampNs for one allocation.
type RAV struct {
	AllocationID   Address
	TimestampNs    uint64
	ValueAggregate U128
	Signature      []byte
}

// StructHash returns the EIP-712 struct hash of the RAV fields.
func (r *RAV) StructHash() [32]byte {
	buf := make([]byte, 0, 32*4)
	buf = append(buf, ravTypeHash[:]...)
	allocBuf := padAddress(r.AllocationID)
	buf = append(buf, allocBuf[:]...)
	tsBuf := padU64(r.TimestampNs)
	buf = append(buf, tsBuf[:]...)
	valBuf := padU128(r.ValueAggregate)
	buf = append(buf, valBuf[:]...)
	return keccak256(buf)
}

// RecoverSigner recovers the address that signed this RAV under domain.
func (r *RAV) RecoverSigner(domain *DomainSeparator) (Address, error) {
	if len(r.Signature) == 0 {
		return Address{}, fmt.Errorf("core: rav has no signature")
	}
	hash := signingHash(domain, r.StructHash())
	return recoverSigner(hash, r.Signature)
}

// TimestampTime converts TimestampNs to a time.Time for logging/comparison.
func (r *RAV) TimestampTime() time.Time {
	return time.Unix(0, int64(r.TimestampNs))
}

// StoredRAV is a RAV as persisted in the `ravs` table, carrying the owning
// sender and the last/final flags required to keep it unique.
type StoredRAV struct {
	Sender Address
	RAV
	Last  bool
	Final bool
}

// RAVInfo is the summary a completed RAV request reports upward to the Sender
// Actor's RAV tracker: just enough to update aggregate bookkeeping without
// re-reading the full voucher.
type RAVInfo struct {
	AllocationID   Address
	ValueAggregate U128
}

// VerifyMonotone checks that candidate is a valid successor to previous
// strictly greater timestamp, non-decreasing
// value aggregate. previous may be nil for an allocation's first RAV.
func VerifyMonotone(previous *RAV, candidate *RAV) error {
	if previous == nil {
		return nil
	}
	if candidate.TimestampNs <= previous.TimestampNs {
		return fmt.Errorf("core: rav timestamp regression: %d <= %d",
			candidate.TimestampNs, previous.TimestampNs)
	}
	if candidate.ValueAggregate.Cmp(previous.ValueAggregate) < 0 {
		return fmt.Errorf("core: rav value regression: %s < %s",
			candidate.ValueAggregate, previous.ValueAggregate)
	}
	return nil
}
