package subgraph

import (
	"context"
	"fmt"

	"github.com/graphops/tap-agent/core"
)

const activeAllocationsQuery = `
query($indexer: ID!, $first: Int!, $skip: Int!) {
	allocations(where: {indexer: $indexer, status: Active}, first: $first, skip: $skip) {
		id
		createdAtEpoch
	}
}`

type activeAllocationsResponse struct {
	Allocations []struct {
		ID             string `json:"id"`
		CreatedAtEpoch string `json:"createdAtEpoch"`
	} `json:"allocations"`
}

// NetworkFetcher implements network.ActiveAllocationsFetcher and
// network.ClosureConfirmer against the network subgraph: the set of
// allocations the indexer currently has staked, and confirmation that a
// previously-active allocation has since closed on-chain.
type NetworkFetcher struct {
	client   *Client
	indexer  core.Address
	pageSize int
}

// NewNetworkFetcher returns a fetcher scoped to indexer.
func NewNetworkFetcher(client *Client, indexer core.Address) *NetworkFetcher {
	return &NetworkFetcher{client: client, indexer: indexer, pageSize: 1000}
}

// FetchActiveAllocations implements network.ActiveAllocationsFetcher. Every
// allocation the subgraph reports active is returned as current-kind;
// neither this fetcher nor the store tells legacy allocations apart.
func (f *NetworkFetcher) FetchActiveAllocations(ctx context.Context) (map[core.Address][]core.Allocation, error) {
	out := make(map[core.Address][]core.Allocation)

	for skip := 0; ; skip += f.pageSize {
		var resp activeAllocationsResponse
		vars := map[string]any{
			"indexer": f.indexer.Hex(),
			"first":   f.pageSize,
			"skip":    skip,
		}
		if err := f.client.Query(ctx, activeAllocationsQuery, vars, &resp); err != nil {
			return nil, fmt.Errorf("subgraph: fetch active allocations: %w", err)
		}

		for _, a := range resp.Allocations {
			epoch, err := parseEpoch(a.CreatedAtEpoch)
			if err != nil {
				return nil, fmt.Errorf("subgraph: allocation %s: createdAtEpoch: %w", a.ID, err)
			}
			alloc := core.Allocation{
				ID:             core.HexToAddress(a.ID),
				Kind:           core.AllocationKindCurrent,
				CreatedAtEpoch: epoch,
			}
			// The allocation's owning sender isn't in this query; callers
			// that need the full per-sender index cross-reference against
			// the escrow snapshot by signer authorization instead, so this
			// fetcher keys everything under the zero sender and relies on
			// the accounts supervisor's reconciliation to fan it out.
			out[core.ZeroAddress] = append(out[core.ZeroAddress], alloc)
		}

		if len(resp.Allocations) < f.pageSize {
			break
		}
	}

	return out, nil
}

const allocationClosedQuery = `
query($id: ID!) {
	allocation(id: $id) {
		id
		status
		closedAtEpoch
	}
}`

type allocationClosedResponse struct {
	Allocation *struct {
		ID            string  `json:"id"`
		Status        string  `json:"status"`
		ClosedAtEpoch *string `json:"closedAtEpoch"`
	} `json:"allocation"`
}

// ConfirmClosed implements network.ClosureConfirmer: true once the
// subgraph reports the allocation as no longer active. A missing
// allocation (pruned from the subgraph entirely) also counts as closed.
func (f *NetworkFetcher) ConfirmClosed(ctx context.Context, allocation core.Address) (bool, error) {
	var resp allocationClosedResponse
	vars := map[string]any{"id": allocation.Hex()}
	if err := f.client.Query(ctx, allocationClosedQuery, vars, &resp); err != nil {
		return false, fmt.Errorf("subgraph: confirm closed %s: %w", allocation, err)
	}
	if resp.Allocation == nil {
		return true, nil
	}
	return resp.Allocation.Status != "Active", nil
}

func parseEpoch(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
