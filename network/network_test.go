package network_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/network"
)

func addr(b byte) core.Address {
	var a core.Address
	a[len(a)-1] = b
	return a
}

type fakeAllocationsFetcher struct {
	allocs map[core.Address][]core.Allocation
	err    error
}

func (f fakeAllocationsFetcher) FetchActiveAllocations(ctx context.Context) (map[core.Address][]core.Allocation, error) {
	return f.allocs, f.err
}

func TestWatchActiveAllocationsPublishesFetchedSet(t *testing.T) {
	sender := addr(1)
	alloc := core.Allocation{ID: addr(2), Kind: core.AllocationKindCurrent}
	f := fakeAllocationsFetcher{allocs: map[core.Address][]core.Allocation{sender: {alloc}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := network.WatchActiveAllocations(ctx, f, time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, []core.Allocation{alloc}, w.Current()[sender])
}

func TestWatchActiveAllocationsReturnsErrorWhenFirstPollFails(t *testing.T) {
	f := fakeAllocationsFetcher{err: errors.New("subgraph unreachable")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := network.WatchActiveAllocations(ctx, f, time.Hour, nil)
	require.Error(t, err)
}

type fakeClosureConfirmer struct {
	confirmed bool
	err       error
}

func (f fakeClosureConfirmer) ConfirmClosed(ctx context.Context, allocation core.Address) (bool, error) {
	return f.confirmed, f.err
}

func TestClosureConfirmerSatisfiesInterface(t *testing.T) {
	var c network.ClosureConfirmer = fakeClosureConfirmer{confirmed: true}
	ok, err := c.ConfirmClosed(context.Background(), addr(1))
	require.NoError(t, err)
	require.True(t, ok)
}

type fakeTransactionsWatcher struct {
	redeemed bool
}

func (f fakeTransactionsWatcher) IsRedeemed(ctx context.Context, allocation core.Address) (bool, error) {
	return f.redeemed, nil
}

func TestTransactionsWatcherSatisfiesInterface(t *testing.T) {
	var w network.TransactionsWatcher = fakeTransactionsWatcher{redeemed: true}
	redeemed, err := w.IsRedeemed(context.Background(), addr(1))
	require.NoError(t, err)
	require.True(t, redeemed)
}
