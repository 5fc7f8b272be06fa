package aggregator

import (
	"fmt"
	"math/big"

	"github.com/graphops/tap-agent/core"
)

func parseU128Decimal(s string) (core.U128, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return core.U128{}, fmt.Errorf("aggregator: invalid decimal value %q", s)
	}
	return core.NewU128FromBigInt(v), nil
}
