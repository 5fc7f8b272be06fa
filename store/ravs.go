package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/graphops/tap-agent/core"
)

// LastRav returns the newest RAV (by timestamp) for (sender, allocation),
// or nil if none exists yet.
func (s *Store) LastRav(ctx context.Context, sender, allocation core.Address) (*core.StoredRAV, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT signature, timestamp_ns, value_aggregate, last, final
		FROM ravs
		WHERE sender = $1 AND allocation_id = $2`,
		sender.Hex(), allocation.Hex(),
	)

	var (
		sig         []byte
		ts          uint64
		valueStr    string
		last, final bool
	)
	switch err := row.Scan(&sig, &ts, &valueStr, &last, &final); {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: last_rav: %w", err))
	}

	v, err := parseU128(valueStr)
	if err != nil {
		return nil, core.NewFailure(core.KindAdapterError, err)
	}
	return &core.StoredRAV{
		Sender: sender,
		RAV: core.RAV{
			AllocationID:   allocation,
			TimestampNs:    ts,
			ValueAggregate: v,
			Signature:      sig,
		},
		Last:  last,
		Final: final,
	}, nil
}

// UpsertRavAndDeleteReceipts stores rav for (sender, allocation) and
// deletes the receipts it aggregated, in one transaction. It rejects a
// timestamp regression against any existing row.
func (s *Store) UpsertRavAndDeleteReceipts(
	ctx context.Context,
	sender core.Address,
	rav core.RAV,
	signers []core.Address,
	deleteFromTs, deleteToTs uint64,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: begin upsert_rav tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var existingTs uint64
	err = tx.QueryRow(ctx, `
		SELECT timestamp_ns FROM ravs WHERE sender = $1 AND allocation_id = $2`,
		sender.Hex(), rav.AllocationID.Hex(),
	).Scan(&existingTs)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First RAV for this allocation; nothing to compare against.
	case err != nil:
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: check existing rav: %w", err))
	case rav.TimestampNs <= existingTs:
		return core.NewFailure(core.KindInvalidRAV, fmt.Errorf(
			"store: rav timestamp regression: %d <= %d", rav.TimestampNs, existingTs))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ravs (sender, allocation_id, signature, timestamp_ns, value_aggregate, last, final)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE)
		ON CONFLICT (sender, allocation_id) DO UPDATE
		SET signature = EXCLUDED.signature,
		    timestamp_ns = EXCLUDED.timestamp_ns,
		    value_aggregate = EXCLUDED.value_aggregate`,
		sender.Hex(), rav.AllocationID.Hex(), rav.Signature, rav.TimestampNs, rav.ValueAggregate.String(),
	)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: upsert rav: %w", err))
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM receipts
		WHERE allocation_id = $1 AND signer = ANY($2)
		  AND timestamp_ns >= $3 AND timestamp_ns <= $4`,
		rav.AllocationID.Hex(), addressesToHex(signers), deleteFromTs, deleteToTs,
	); err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: delete aggregated receipts: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: commit upsert_rav tx: %w", err))
	}
	return nil
}

// MarkRavLast sets last = true for (sender, allocation), clearing it on any
// sibling row so exactly one row stays marked last — expected to affect
// exactly one row overall.
func (s *Store) MarkRavLast(ctx context.Context, sender, allocation core.Address) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: begin mark_rav_last tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		UPDATE ravs SET last = FALSE WHERE sender = $1 AND allocation_id = $2 AND last`,
		sender.Hex(), allocation.Hex(),
	); err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: clear rav last: %w", err))
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ravs SET last = TRUE WHERE sender = $1 AND allocation_id = $2`,
		sender.Hex(), allocation.Hex(),
	)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: set rav last: %w", err))
	}
	if tag.RowsAffected() != 1 {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf(
			"store: mark_rav_last affected %d rows, expected 1", tag.RowsAffected()))
	}
	return tx.Commit(ctx)
}

// MarkRavFinal marks the (sender, allocation)'s last RAV as final,
// permanently closing it. Callers must only call this after
// the allocation's closure has been confirmed on-chain.
func (s *Store) MarkRavFinal(ctx context.Context, sender, allocation core.Address) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ravs SET final = TRUE
		WHERE sender = $1 AND allocation_id = $2 AND last`,
		sender.Hex(), allocation.Hex(),
	)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: mark_rav_final: %w", err))
	}
	if tag.RowsAffected() != 1 {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf(
			"store: mark_rav_final affected %d rows, expected 1", tag.RowsAffected()))
	}
	return nil
}

// NonFinalLastRavs returns every (allocation, rav) pair for sender whose
// `last` RAV is not yet `final`, used on Sender Actor startup to rebuild
// the RAV tracker.
func (s *Store) NonFinalLastRavs(ctx context.Context, sender core.Address) ([]core.StoredRAV, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT allocation_id, signature, timestamp_ns, value_aggregate, final
		FROM ravs
		WHERE sender = $1 AND last AND NOT final`,
		sender.Hex(),
	)
	if err != nil {
		return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: non_final_last_ravs: %w", err))
	}
	defer rows.Close()

	var out []core.StoredRAV
	for rows.Next() {
		var (
			allocHex string
			sig      []byte
			ts       uint64
			valueStr string
			final    bool
		)
		if err := rows.Scan(&allocHex, &sig, &ts, &valueStr, &final); err != nil {
			return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: scan rav: %w", err))
		}
		v, err := parseU128(valueStr)
		if err != nil {
			return nil, core.NewFailure(core.KindAdapterError, err)
		}
		out = append(out, core.StoredRAV{
			Sender: sender,
			RAV: core.RAV{
				AllocationID:   core.HexToAddress(allocHex),
				TimestampNs:    ts,
				ValueAggregate: v,
				Signature:      sig,
			},
			Last:  true,
			Final: final,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewFailure(core.KindAdapterError, err)
	}
	return out, nil
}

// RecordFailedRavRequest persists a RAV request's forensics when the
// returned voucher fails verification.
func (s *Store) RecordFailedRavRequest(ctx context.Context, sender, allocation core.Address, expectedRav, response []byte, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rav_requests_failed (allocation_id, sender, expected_rav, response, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		allocation.Hex(), sender.Hex(), expectedRav, response, reason,
	)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: record failed rav request: %w", err))
	}
	return nil
}
