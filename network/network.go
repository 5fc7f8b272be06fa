// Package network wraps the two network-subgraph watchers the core
// consumes read-only: the indexer's active allocation set, and a query
// interface used to confirm an allocation's closing (and, for legacy
// allocations, redemption) transaction has actually landed on-chain before
// it is torn down in-memory.
package network

import (
	"context"
	"time"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/watcher"
)

// ActiveAllocationsFetcher resolves the indexer's currently staked
// allocations, keyed by owning sender, from the network subgraph.
type ActiveAllocationsFetcher interface {
	FetchActiveAllocations(ctx context.Context) (map[core.Address][]core.Allocation, error)
}

// WatchActiveAllocations starts a snapshot watcher over the active
// allocation set.
func WatchActiveAllocations(ctx context.Context, f ActiveAllocationsFetcher, interval time.Duration, onError func(error)) (*watcher.Snapshot[map[core.Address][]core.Allocation], error) {
	return watcher.New(ctx, interval, func(ctx context.Context) (map[core.Address][]core.Allocation, error) {
		return f.FetchActiveAllocations(ctx)
	}, onError)
}

// ClosureConfirmer confirms, via a network-subgraph query, that an
// allocation the network watcher no longer lists as active is truly closed
// on-chain.
type ClosureConfirmer interface {
	// ConfirmClosed returns true once the allocation's close (and, for
	// legacy-kind allocations, its on-chain redemption) is observed.
	ConfirmClosed(ctx context.Context, allocation core.Address) (bool, error)
}

// TransactionsWatcher answers whether a closed allocation has already been
// redeemed on-chain, used by the Allocation Eligible check
// to keep accepting receipts for a closed-but-unredeemed allocation.
type TransactionsWatcher interface {
	IsRedeemed(ctx context.Context, allocation core.Address) (bool, error)
}
