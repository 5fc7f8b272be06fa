package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/graphops/tap-agent/core"
)

const denyListChannel = "scalar_tap_deny_notification"

// DenylistInsert denies sender, persisting the denial so it survives a
// restart.
func (s *Store) DenylistInsert(ctx context.Context, sender core.Address) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO denylist (sender) VALUES ($1)
		ON CONFLICT (sender) DO NOTHING`,
		sender.Hex(),
	)
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: denylist_insert: %w", err))
	}
	return nil
}

// DenylistDelete re-admits sender.
func (s *Store) DenylistDelete(ctx context.Context, sender core.Address) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM denylist WHERE sender = $1`, sender.Hex())
	if err != nil {
		return core.NewFailure(core.KindAdapterError, fmt.Errorf("store: denylist_delete: %w", err))
	}
	return nil
}

// IsDenied reports whether sender currently has a denylist row.
func (s *Store) IsDenied(ctx context.Context, sender core.Address) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM denylist WHERE sender = $1)`, sender.Hex()).Scan(&exists)
	if err != nil {
		return false, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: is_denied: %w", err))
	}
	return exists, nil
}

// ListDenied returns every sender currently on the denylist, used to seed
// the in-memory deny-check set at startup.
func (s *Store) ListDenied(ctx context.Context) ([]core.Address, error) {
	rows, err := s.pool.Query(ctx, `SELECT sender FROM denylist`)
	if err != nil {
		return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: list_denied: %w", err))
	}
	defer rows.Close()

	var out []core.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, core.NewFailure(core.KindAdapterError, err)
		}
		out = append(out, core.HexToAddress(hex))
	}
	return out, rows.Err()
}

// DenyChange is one row mutation observed on the denylist table.
type DenyChange struct {
	Sender  core.Address
	Deleted bool
}

type denyNotifyPayload struct {
	TgOp   string `json:"tg_op"`
	Sender string `json:"sender"`
}

// DenylistChanges opens a dedicated LISTEN connection on the
// scalar_tap_deny_notification channel (populated by the trigger in
// migrations/0001_init.up.sql) and streams change events until ctx is
// cancelled, so deny/allow operations from the separate control endpoint
// propagate into the in-memory Deny List check — only the denylist-watcher
// task writes the in-memory set.
func (s *Store) DenylistChanges(ctx context.Context, dsn string) (<-chan DenyChange, error) {
	out := make(chan DenyChange, 64)

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Errorf("denylist listener event: %v", err)
		}
	})
	if err := listener.Listen(denyListChannel); err != nil {
		listener.Close()
		return nil, core.NewFailure(core.KindAdapterError, fmt.Errorf("store: listen %s: %w", denyListChannel, err))
	}

	go func() {
		defer listener.Close()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// Listener reconnected; nothing lost since
					// the denylist table itself is the source
					// of truth and is re-read at startup.
					continue
				}
				var payload denyNotifyPayload
				if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
					log.Errorf("denylist notification: bad payload: %v", err)
					continue
				}
				change := DenyChange{
					Sender:  core.HexToAddress(payload.Sender),
					Deleted: payload.TgOp == "DELETE",
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
