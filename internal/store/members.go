package store

import (
	"context"
	"database/sql"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/rerr"
)

// MemberRecord is one row of __ripple_members: a SWIM member's last known
// address and state, persisted so a restart can re-seed membership (the
// agent joins each persisted member) instead of waiting to rediscover every
// peer from scratch.
type MemberRecord struct {
	ID        actor.ID
	Address   string
	State     string
	FocaState string
}

// UpsertMember persists a member's current address/state. Called when a
// member joins or is first seen alive (spec.md §4.F).
func (s *Store) UpsertMember(ctx context.Context, m MemberRecord) error {
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO __ripple_members (id, address, state, foca_state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			state = excluded.state,
			foca_state = excluded.foca_state
	`, m.ID.Bytes(), m.Address, m.State, m.FocaState)
	if err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "upserting member %s", m.ID)
	}
	return nil
}

// DeleteMember removes a member row, e.g. on a Down notification.
func (s *Store) DeleteMember(ctx context.Context, id actor.ID) error {
	if _, err := s.writeDB.ExecContext(ctx, `DELETE FROM __ripple_members WHERE id = ?`, id.Bytes()); err != nil {
		return rerr.Wrap(rerr.EngineFailure, err, "deleting member %s", id)
	}
	return nil
}

// ListMembers returns every persisted member, used to re-seed SWIM on
// startup.
func (s *Store) ListMembers(ctx context.Context) ([]MemberRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT id, address, state, foca_state FROM __ripple_members`)
	if err != nil {
		return nil, rerr.Wrap(rerr.EngineFailure, err, "listing members")
	}
	defer rows.Close()

	var out []MemberRecord
	for rows.Next() {
		var idBytes []byte
		var m MemberRecord
		var foca sql.NullString
		if err := rows.Scan(&idBytes, &m.Address, &m.State, &foca); err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "scanning member row")
		}
		id, err := actor.FromBytes(idBytes)
		if err != nil {
			return nil, rerr.Wrap(rerr.EngineFailure, err, "decoding member id")
		}
		m.ID = id
		m.FocaState = foca.String
		out = append(out, m)
	}
	return out, rows.Err()
}
