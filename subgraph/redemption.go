package subgraph

import (
	"context"
	"fmt"

	"github.com/graphops/tap-agent/core"
)

const redeemedQuery = `
query($id: ID!) {
	allocation(id: $id) {
		id
		status
	}
}`

type redeemedResponse struct {
	Allocation *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"allocation"`
}

// RedemptionWatcher implements network.TransactionsWatcher against the
// network subgraph's allocation status field: legacy allocations move to
// a terminal "Closed" status only once their redemption transaction has
// been indexed, so a closed allocation no longer present as "Finalized" or
// pending counts as redeemed.
type RedemptionWatcher struct {
	client *Client
}

// NewRedemptionWatcher returns a watcher querying endpoint's network
// subgraph for allocation redemption status.
func NewRedemptionWatcher(client *Client) *RedemptionWatcher {
	return &RedemptionWatcher{client: client}
}

// IsRedeemed implements network.TransactionsWatcher.
func (w *RedemptionWatcher) IsRedeemed(ctx context.Context, allocation core.Address) (bool, error) {
	var resp redeemedResponse
	vars := map[string]any{"id": allocation.Hex()}
	if err := w.client.Query(ctx, redeemedQuery, vars, &resp); err != nil {
		return false, fmt.Errorf("subgraph: check redemption %s: %w", allocation, err)
	}
	if resp.Allocation == nil {
		return true, nil
	}
	return resp.Allocation.Status == "Closed", nil
}
