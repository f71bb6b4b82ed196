package store

import (
	"context"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/clock"
	"github.com/ripple-db/ripple/internal/rerr"
)

// SubscriptionRecord is one row of __ripple_subs: a standing query filter
// registered by a peer (SPEC_FULL.md DOMAIN STACK SUPPLEMENTED FEATURES,
// grounded on original_source's subscription-matching path).
type SubscriptionRecord struct {
	Actor    actor.ID
	ID       string
	Filter   string
	Priority int
	Ts       clock.Timestamp
}

// UpsertSubscription applies last-writer-wins on Ts: an UpsertSubscription
// message with an older timestamp than what's stored is silently ignored.
func (s *Store) UpsertSubscription(ctx context.Context, rec SubscriptionRecord) (bool, error) {
	var existingTs string
	row := s.writeDB.QueryRowContext(ctx, `
		SELECT ts FROM __ripple_subs WHERE actor_id = ? AND id = ?
	`, rec.Actor.Bytes(), rec.ID)
	switch err := row.Scan(&existingTs); err {
	case nil:
		prev, perr := clock.ParseTimestamp(existingTs)
		if perr != nil {
			return false, rerr.Wrap(rerr.EngineFailure, perr, "parsing stored ts of subscription %s/%s", rec.Actor, rec.ID)
		}
		if prev.Compare(rec.Ts) >= 0 {
			return false, nil
		}
	default:
		// sql.ErrNoRows: no existing row, always apply.
	}

	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO __ripple_subs (actor_id, id, filter, priority, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (actor_id, id) DO UPDATE SET
			filter = excluded.filter,
			priority = excluded.priority,
			ts = excluded.ts
	`, rec.Actor.Bytes(), rec.ID, rec.Filter, rec.Priority, rec.Ts.String())
	if err != nil {
		return false, rerr.Wrap(rerr.EngineFailure, err, "upserting subscription %s/%s", rec.Actor, rec.ID)
	}
	return true, nil
}

// ListSubscriptions returns every registered subscription, highest priority
// first.
func (s *Store) ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT actor_id, id, filter, priority, ts FROM __ripple_subs ORDER BY priority DESC
	`)
	if err != nil {
		return nil, rerr.Wrap(rerr.EngineFailure, err, "listing subscriptions")
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		var idBytes []byte
		var rec SubscriptionRecord
		var tsText string
		if err := rows.Scan(&idBytes, &rec.ID, &rec.Filter, &rec.Priority, &tsText); err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "scanning subscription row")
		}
		a, err := actor.FromBytes(idBytes)
		if err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "decoding subscription actor id")
		}
		rec.Actor = a
		out = append(out, rec)
	}
	return out, rows.Err()
}
