// Package changeset defines the wire-level units the rest of ripple
// exchanges: a RowChange (one column's CRDT-versioned value), a Changeset
// (a contiguous version range produced by one local transaction, either a
// Full set of RowChanges or a Cleared marker for an empty write), and the
// Message envelope broadcast and synced between peers.
//
// Encoding is deterministic and self-contained on purpose: a Changeset
// round-trips byte-for-byte through Encode/Decode, so when the broadcaster
// re-encodes a received Message for rebroadcast it sends the same bytes the
// author did.
package changeset

import (
	"fmt"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/clock"
)

const wireVersion byte = 1

// RowChange is the CRDT-extended unit of replication: one column's value at
// one column-version, attributed to the site that wrote it.
type RowChange struct {
	Table         string
	PK            string // the row's primary key, already formatted as text
	ColumnID      string
	Value         any
	ColumnVersion uint64
	DbVersion     uint64
	SiteID        actor.ID
}

// Kind distinguishes a Changeset carrying row data from one that only
// records a cleared (empty) version range.
type Kind byte

const (
	KindFull Kind = iota
	KindCleared
)

// Changeset is everything produced by a single local transaction, or
// received as a single unit during sync: a contiguous [Start, End] version
// range for one actor. Empty transactions still consume exactly one
// version and are recorded as KindCleared with Changes left nil (decision
// SPEC_FULL.md §4 Open Question (a): every accepted transaction advances
// last_version by one, whether or not it touched a row).
type Changeset struct {
	Kind    Kind
	Actor   actor.ID
	Start   uint64
	End     uint64
	Changes []RowChange
	Ts      clock.Timestamp
}

// Len returns how many versions this changeset spans.
func (c Changeset) Len() uint64 { return c.End - c.Start + 1 }

func (c Changeset) Encode(b *builder) error {
	b.byte(byte(c.Kind))
	b.bytesRaw(c.Actor.Bytes())
	b.u64(c.Start)
	b.u64(c.End)
	if err := encodeTimestamp(b, c.Ts); err != nil {
		return err
	}
	switch c.Kind {
	case KindCleared:
		return nil
	case KindFull:
		b.u32(uint32(len(c.Changes)))
		for _, rc := range c.Changes {
			b.bytes([]byte(rc.Table))
			b.bytes([]byte(rc.PK))
			b.bytes([]byte(rc.ColumnID))
			if err := encodeValue(b, rc.Value); err != nil {
				return fmt.Errorf("changeset: encoding %s.%s: %w", rc.Table, rc.ColumnID, err)
			}
			b.u64(rc.ColumnVersion)
			b.u64(rc.DbVersion)
			b.bytesRaw(rc.SiteID.Bytes())
		}
		return nil
	default:
		return fmt.Errorf("changeset: unknown kind %d", c.Kind)
	}
}

func decodeChangeset(r *reader) (Changeset, error) {
	var c Changeset
	kb, err := r.readByte()
	if err != nil {
		return c, err
	}
	c.Kind = Kind(kb)

	actorBytes := make([]byte, 16)
	for i := range actorBytes {
		b, err := r.readByte()
		if err != nil {
			return c, err
		}
		actorBytes[i] = b
	}
	c.Actor, err = actor.FromBytes(actorBytes)
	if err != nil {
		return c, err
	}

	if c.Start, err = r.readU64(); err != nil {
		return c, err
	}
	if c.End, err = r.readU64(); err != nil {
		return c, err
	}
	if c.Ts, err = decodeTimestamp(r); err != nil {
		return c, err
	}

	switch c.Kind {
	case KindCleared:
		return c, nil
	case KindFull:
		n, err := r.readU32()
		if err != nil {
			return c, err
		}
		c.Changes = make([]RowChange, 0, n)
		for i := uint32(0); i < n; i++ {
			var rc RowChange
			tb, err := r.readBytes()
			if err != nil {
				return c, err
			}
			rc.Table = string(tb)
			pk, err := r.readBytes()
			if err != nil {
				return c, err
			}
			rc.PK = string(pk)
			col, err := r.readBytes()
			if err != nil {
				return c, err
			}
			rc.ColumnID = string(col)
			rc.Value, err = decodeValue(r)
			if err != nil {
				return c, err
			}
			if rc.ColumnVersion, err = r.readU64(); err != nil {
				return c, err
			}
			if rc.DbVersion, err = r.readU64(); err != nil {
				return c, err
			}
			siteBytes := make([]byte, 16)
			for j := range siteBytes {
				b, err := r.readByte()
				if err != nil {
					return c, err
				}
				siteBytes[j] = b
			}
			rc.SiteID, err = actor.FromBytes(siteBytes)
			if err != nil {
				return c, err
			}
			c.Changes = append(c.Changes, rc)
		}
		return c, nil
	default:
		return c, fmt.Errorf("changeset: unknown kind %d", c.Kind)
	}
}

func encodeTimestamp(b *builder, ts clock.Timestamp) error {
	b.u64(uint64(ts.Physical))
	b.u32(ts.Logical)
	b.bytesRaw(ts.Actor.Bytes())
	return nil
}

func decodeTimestamp(r *reader) (clock.Timestamp, error) {
	var ts clock.Timestamp
	p, err := r.readU64()
	if err != nil {
		return ts, err
	}
	ts.Physical = int64(p)
	if ts.Logical, err = r.readU32(); err != nil {
		return ts, err
	}
	idBytes := make([]byte, 16)
	for i := range idBytes {
		b, err := r.readByte()
		if err != nil {
			return ts, err
		}
		idBytes[i] = b
	}
	ts.Actor, err = actor.FromBytes(idBytes)
	return ts, err
}
