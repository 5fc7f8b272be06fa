package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/graphops/tap-agent/core"
)

// StoreReceipt inserts a validated receipt and returns its assigned id,
// also publishing the new-receipt notification fan-out.
func (s *Store) StoreReceipt(ctx context.Context, r core.Receipt, signer core.Address) (int64, error) {
	var id int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO receipts (signer, signature, allocation_id, timestamp_ns, nonce, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		signer.Hex(), r.Signature, r.AllocationID.Hex(), r.TimestampNs, r.Nonce, r.Value.String(),
	)
	if err := row.Scan(&id); err != nil {
		return 0, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: insert receipt: %w", err))
	}

	s.receiptNotices.publish(core.NewReceiptNotice{
		ID:           id,
		AllocationID: r.AllocationID,
		Signer:       signer,
		TimestampNs:  r.TimestampNs,
		Value:        r.Value,
	})
	return id, nil
}

// StoreInvalidReceipt moves a receipt that failed a check into
// receipts_invalid, recording why.
func (s *Store) StoreInvalidReceipt(ctx context.Context, r core.Receipt, signer core.Address, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipts_invalid (signer, signature, allocation_id, timestamp_ns, nonce, value, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		signer.Hex(), r.Signature, r.AllocationID.Hex(), r.TimestampNs, r.Nonce, r.Value.String(), reason,
	)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: insert invalid receipt: %w", err))
	}
	return nil
}

// FetchReceiptsNewerThan returns up to limit pending receipts for
// allocation, signed by any of signers, strictly newer than sinceTs —
// step 1 of the RAV request protocol.
func (s *Store) FetchReceiptsNewerThan(ctx context.Context, allocation core.Address, signers []core.Address, sinceTs uint64, limit int) ([]core.StoredReceipt, error) {
	signerHex := addressesToHex(signers)

	rows, err := s.pool.Query(ctx, `
		SELECT id, signer, signature, allocation_id, timestamp_ns, nonce, value
		FROM receipts
		WHERE allocation_id = $1 AND signer = ANY($2) AND timestamp_ns > $3
		ORDER BY timestamp_ns ASC
		LIMIT $4`,
		allocation.Hex(), signerHex, sinceTs, limit,
	)
	if err != nil {
		return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: fetch receipts: %w", err))
	}
	defer rows.Close()

	return scanStoredReceipts(rows)
}

func scanStoredReceipts(rows pgx.Rows) ([]core.StoredReceipt, error) {
	var out []core.StoredReceipt
	for rows.Next() {
		var (
			id                  int64
			signerHex, allocHex string
			sig                 []byte
			ts, nonce           uint64
			value               string
		)
		if err := rows.Scan(&id, &signerHex, &sig, &allocHex, &ts, &nonce, &value); err != nil {
			return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: scan receipt: %w", err))
		}
		v, err := parseU128(value)
		if err != nil {
			return nil, core.NewFailure(core.KindAdapterError, err)
		}
		out = append(out, core.StoredReceipt{
			ID:     id,
			Signer: core.HexToAddress(signerHex),
			Receipt: core.Receipt{
				AllocationID: core.HexToAddress(allocHex),
				TimestampNs:  ts,
				Nonce:        nonce,
				Value:        v,
				Signature:    sig,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewFailure(core.KindAdapterError, err)
	}
	return out, nil
}

// DeleteReceiptsInRange deletes all receipts for allocation, signed by any
// of signers, with timestamp_ns in [fromTs, toTs] inclusive. Used after a
// successful RAV request, or when every receipt in the window turned out
// invalid.
func (s *Store) DeleteReceiptsInRange(ctx context.Context, allocation core.Address, signers []core.Address, fromTs, toTs uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM receipts
		WHERE allocation_id = $1 AND signer = ANY($2)
		  AND timestamp_ns >= $3 AND timestamp_ns <= $4`,
		allocation.Hex(), addressesToHex(signers), fromTs, toTs,
	)
	if err != nil {
		return 0, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: delete receipts: %w", err))
	}
	return tag.RowsAffected(), nil
}

// SumAndMax returns the sum of values and the maximum timestamp_ns over
// receipts for allocation signed by any of signers with timestamp_ns >
// sinceTs — used to recompute unaggregated_fees from the database.
func (s *Store) SumAndMax(ctx context.Context, allocation core.Address, signers []core.Address, sinceTs uint64) (sum core.U128, maxTs uint64, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0), COALESCE(MAX(timestamp_ns), 0)
		FROM receipts
		WHERE allocation_id = $1 AND signer = ANY($2) AND timestamp_ns > $3`,
		allocation.Hex(), addressesToHex(signers), sinceTs,
	)

	var sumStr string
	if err := row.Scan(&sumStr, &maxTs); err != nil {
		return core.U128{}, 0, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: sum_and_max: %w", err))
	}
	v, perr := parseU128(sumStr)
	if perr != nil {
		return core.U128{}, 0, core.NewFailure(core.KindAdapterError, perr)
	}
	return v, maxTs, nil
}

func addressesToHex(addrs []core.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
