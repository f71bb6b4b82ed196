// Package clock implements a hybrid logical clock: timestamps that are
// monotonic across restarts up to a configured drift allowance, totally
// ordered, and tie-broken by actor id. Used for LWW column resolution and
// for dating every broadcast message (spec §4.A).
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
)

// Timestamp is an HLC value: (physical, logical, actor). Comparable with
// Compare/Less; the actor id only matters as the final tie-breaker.
type Timestamp struct {
	Physical int64 // unix nanoseconds
	Logical  uint32
	Actor    actor.ID
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Physical, t.Logical, t.Actor)
}

// Compare returns -1, 0, or 1 comparing t to o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	}
	switch {
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	}
	switch {
	case t.Actor.String() < o.Actor.String():
		return -1
	case t.Actor.String() > o.Actor.String():
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

// ParseTimestamp parses the "physical.logical@actor" form String produces,
// the wire representation used for the ripple-clock HTTP header and the
// bookkeeping table's ts column.
func ParseTimestamp(s string) (Timestamp, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Timestamp{}, fmt.Errorf("clock: malformed timestamp %q: missing '@'", s)
	}
	head, actorPart := s[:at], s[at+1:]

	dot := strings.IndexByte(head, '.')
	if dot < 0 {
		return Timestamp{}, fmt.Errorf("clock: malformed timestamp %q: missing '.'", s)
	}
	physical, err := strconv.ParseInt(head[:dot], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: parsing physical component of %q: %w", s, err)
	}
	logical, err := strconv.ParseUint(head[dot+1:], 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: parsing logical component of %q: %w", s, err)
	}
	id, err := actor.Parse(actorPart)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: parsing actor component of %q: %w", s, err)
	}
	return Timestamp{Physical: physical, Logical: uint32(logical), Actor: id}, nil
}

// Clock is a hybrid logical clock bound to a single actor. Safe for
// concurrent use: every call to Now serializes through an internal mutex,
// mirroring the single-writer discipline the rest of the agent uses for its
// own connection pool.
type Clock struct {
	mu        sync.Mutex
	id        actor.ID
	maxDelta  time.Duration
	physical  int64
	logical   uint32
	nowSource func() time.Time
}

// New builds a Clock for the given actor with the given max allowed skew
// between the wall clock and an observed remote timestamp (spec default:
// 300ms).
func New(id actor.ID, maxDelta time.Duration) *Clock {
	return &Clock{id: id, maxDelta: maxDelta, nowSource: time.Now}
}

// Now produces the next timestamp, guaranteed to be greater than any
// previously returned by this Clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowSource().UnixNano()
	if wall > c.physical {
		c.physical = wall
		c.logical = 0
	} else {
		c.logical++
	}
	return Timestamp{Physical: c.physical, Logical: c.logical, Actor: c.id}
}

// Update folds a remote timestamp into this clock, the way a received
// "ripple-clock" header does on every sync request (spec SPEC_FULL §4). A
// remote timestamp further in the future than maxDelta is rejected: this
// bounds how far a misbehaving or clock-skewed peer can drag our HLC
// forward.
func (c *Clock) Update(remote Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowSource().UnixNano()
	if c.maxDelta > 0 && remote.Physical > wall+int64(c.maxDelta) {
		return fmt.Errorf("clock: remote timestamp %s exceeds max delta %s", remote, c.maxDelta)
	}

	switch {
	case wall > c.physical && wall > remote.Physical:
		c.physical = wall
		c.logical = 0
	case remote.Physical > c.physical:
		c.physical = remote.Physical
		c.logical = remote.Logical + 1
	case remote.Physical == c.physical:
		if remote.Logical >= c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	default:
		c.logical++
	}
	return nil
}
