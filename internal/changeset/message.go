package changeset

import (
	"fmt"

	"github.com/ripple-db/ripple/internal/actor"
	"github.com/ripple-db/ripple/internal/clock"
)

// MessageKind tags the payload carried by a Message.
type MessageKind byte

const (
	MessageChange MessageKind = iota + 1
	MessageUpsertSubscription
)

// Subscription is a standing query filter registered by a peer, upserted
// the same way a row change is: by broadcast and by sync, last-writer-wins
// on Ts (spec SPEC_FULL.md DOMAIN STACK SUPPLEMENTED FEATURES).
type Subscription struct {
	ID     string
	Actor  actor.ID
	Filter string
	Ts     clock.Timestamp
}

// Message is the self-describing envelope broadcast over UDP and streamed
// over the /v1/sync and /v1/broadcast HTTP bodies. Exactly one of Change or
// Subscription is populated, selected by Kind.
type Message struct {
	Kind         MessageKind
	Change       *Changeset
	Subscription *Subscription
}

// Encode serializes m to its wire form: a version byte, a kind byte, then
// the variant's fields. The version byte lets a future revision add fields
// without breaking a mixed-version cluster mid-rollout.
func (m Message) Encode() ([]byte, error) {
	b := &builder{}
	b.byte(wireVersion)
	b.byte(byte(m.Kind))

	switch m.Kind {
	case MessageChange:
		if m.Change == nil {
			return nil, fmt.Errorf("changeset: MessageChange requires a Changeset")
		}
		if err := m.Change.Encode(b); err != nil {
			return nil, err
		}
	case MessageUpsertSubscription:
		if m.Subscription == nil {
			return nil, fmt.Errorf("changeset: MessageUpsertSubscription requires a Subscription")
		}
		s := m.Subscription
		b.bytesRaw(s.Actor.Bytes())
		b.bytes([]byte(s.ID))
		b.bytes([]byte(s.Filter))
		if err := encodeTimestamp(b, s.Ts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("changeset: unknown message kind %d", m.Kind)
	}
	return b.buf, nil
}

// DecodeMessage parses a single Message from raw. It does not expect a
// length prefix: framing is the transport layer's job (see Frame, ReadFrame
// and SplitFrames in frame.go).
func DecodeMessage(raw []byte) (Message, error) {
	r := newReader(raw)
	var m Message

	ver, err := r.readByte()
	if err != nil {
		return m, err
	}
	if ver != wireVersion {
		return m, fmt.Errorf("changeset: unsupported wire version %d", ver)
	}
	kb, err := r.readByte()
	if err != nil {
		return m, err
	}
	m.Kind = MessageKind(kb)

	switch m.Kind {
	case MessageChange:
		cs, err := decodeChangeset(r)
		if err != nil {
			return m, err
		}
		m.Change = &cs
	case MessageUpsertSubscription:
		actorBytes := make([]byte, 16)
		for i := range actorBytes {
			b, err := r.readByte()
			if err != nil {
				return m, err
			}
			actorBytes[i] = b
		}
		id, err := actor.FromBytes(actorBytes)
		if err != nil {
			return m, err
		}
		subID, err := r.readBytes()
		if err != nil {
			return m, err
		}
		filter, err := r.readBytes()
		if err != nil {
			return m, err
		}
		ts, err := decodeTimestamp(r)
		if err != nil {
			return m, err
		}
		m.Subscription = &Subscription{
			Actor:  id,
			ID:     string(subID),
			Filter: string(filter),
			Ts:     ts,
		}
	default:
		return m, fmt.Errorf("changeset: unknown message kind %d", m.Kind)
	}
	return m, nil
}
