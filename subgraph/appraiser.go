package subgraph

import (
	"context"

	"github.com/graphops/tap-agent/core"
)

// StaticAppraiser implements checks.MinValueAppraiser against a single
// configured floor, for deployments that price every query identically.
// Per-query cost models (grounded on an indexer service's own pricing
// logic, not the subgraph) are out of scope here; this is the minimal
// appraiser that exercises the pluggable interface end to end.
type StaticAppraiser struct {
	Minimum core.U128
}

// MeetsMinimum reports whether receipt.Value is at least the configured
// floor.
func (a StaticAppraiser) MeetsMinimum(ctx context.Context, receipt *core.Receipt) (bool, error) {
	return receipt.Value.Cmp(a.Minimum) >= 0, nil
}
