package aggregator

import "github.com/graphops/tap-agent/core"

// wireReceipt is the over-the-wire shape of a receipt sent to the
// aggregator, decimal-encoded so u128 values survive JSON round-trips.
type wireReceipt struct {
	AllocationID string `json:"allocation_id"`
	Nonce        uint64 `json:"nonce"`
	TimestampNs  uint64 `json:"timestamp_ns"`
	Value        string `json:"value"`
	Signature    []byte `json:"signature"`
}

func toWireReceipt(r core.Receipt) wireReceipt {
	return wireReceipt{
		AllocationID: r.AllocationID.Hex(),
		Nonce:        r.Nonce,
		TimestampNs:  r.TimestampNs,
		Value:        r.Value.String(),
		Signature:    r.Signature,
	}
}

// wireRAV is the over-the-wire shape of a RAV, sent as the "previous
// aggregate" and returned as the new one.
type wireRAV struct {
	AllocationID   string `json:"allocation_id"`
	TimestampNs    uint64 `json:"timestamp_ns"`
	ValueAggregate string `json:"value_aggregate"`
	Signature      []byte `json:"signature"`
}

func toWireRAV(r *core.RAV) *wireRAV {
	if r == nil {
		return nil
	}
	return &wireRAV{
		AllocationID:   r.AllocationID.Hex(),
		TimestampNs:    r.TimestampNs,
		ValueAggregate: r.ValueAggregate.String(),
		Signature:      r.Signature,
	}
}

func fromWireRAV(w *wireRAV) (*core.RAV, error) {
	if w == nil {
		return nil, nil
	}
	value, err := parseU128Decimal(w.ValueAggregate)
	if err != nil {
		return nil, err
	}
	return &core.RAV{
		AllocationID:   core.HexToAddress(w.AllocationID),
		TimestampNs:    w.TimestampNs,
		ValueAggregate: value,
		Signature:      w.Signature,
	}, nil
}

// aggregateRequest is the RPC request body for both protocol versions; the
// legacy version simply ignores fields it doesn't understand.
type aggregateRequest struct {
	Previous *wireRAV      `json:"previous_rav,omitempty"`
	Receipts []wireReceipt `json:"receipts"`
}

// aggregateResponse is the RPC response body: the newly signed RAV.
type aggregateResponse struct {
	RAV wireRAV `json:"rav"`
}
