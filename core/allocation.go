package core

// Allocation is an indexer-side stake against a subgraph deployment.
// CreatedAtEpoch/ClosedAtEpoch are on-chain epoch numbers; ClosedAtEpoch is
// nil while the allocation is open.
type Allocation struct {
	ID             Address
	Kind           AllocationKind
	CreatedAtEpoch uint64
	ClosedAtEpoch  *uint64
}

// IsClosed reports whether the allocation has been observed closed
// on-chain.
func (a Allocation) IsClosed() bool {
	return a.ClosedAtEpoch != nil
}
