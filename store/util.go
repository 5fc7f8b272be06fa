package store

import (
	"fmt"
	"math/big"

	"github.com/graphops/tap-agent/core"
)

// parseU128 parses a NUMERIC column's decimal text representation into a
// U128, as returned by pgx for NUMERIC(39,0) columns scanned into a string.
func parseU128(s string) (core.U128, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return core.U128{}, fmt.Errorf("store: invalid numeric value %q", s)
	}
	return core.NewU128FromBigInt(v), nil
}
