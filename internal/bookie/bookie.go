// Package bookie tracks, per actor, which versions this replica has
// already recorded and in what state. It is the in-memory index spec §4.B
// describes: a RangeMap from a contiguous run of versions to a
// VersionState, one per actor, consulted on every ingest to decide whether
// an incoming change is new, and on every sync to compute what a peer still
// needs.
package bookie

import (
	"sort"
	"sync"

	"github.com/ripple-db/ripple/internal/actor"
)

// VersionState is what this replica recorded for a version range.
type VersionState byte

const (
	// Current: a Full changeset is stored and can be replayed.
	Current VersionState = iota
	// Cleared: the version was consumed by an empty write; there is
	// nothing to replay, but the version must never be reused or
	// re-requested.
	Cleared
	// Partial: we know the range exists (e.g. a peer told us about it in
	// a SyncSummary) but have not yet fetched the rows. Need reports
	// Partial ranges as still needed.
	Partial
)

// span is one contiguous [start, end] run recorded at a single state.
type span struct {
	start, end uint64
	state      VersionState
}

// actorBook is the RangeMap for one actor: an ordered, non-overlapping list
// of spans, kept sorted by start.
type actorBook struct {
	mu    sync.RWMutex
	spans []span
}

// Bookie owns one actorBook per actor seen so far. The outer map is guarded
// by its own mutex, held only long enough to find-or-create an actor's
// book: all range bookkeeping happens under the much finer per-actor lock,
// so concurrent ingestion from different actors never contends (spec §5
// concurrency model).
type Bookie struct {
	mu     sync.Mutex
	actors map[actor.ID]*actorBook
}

func New() *Bookie {
	return &Bookie{actors: make(map[actor.ID]*actorBook)}
}

func (b *Bookie) bookFor(a actor.ID) *actorBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	ab, ok := b.actors[a]
	if !ok {
		ab = &actorBook{}
		b.actors[a] = ab
	}
	return ab
}

// Contains reports whether version v of actor a is already recorded in any
// state (Current, Cleared, or Partial all count as "known").
func (b *Bookie) Contains(a actor.ID, v uint64) bool {
	ab := b.bookFor(a)
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	_, found := ab.find(v)
	return found
}

// StateAt returns the VersionState recorded for version v of actor a, if
// any.
func (b *Bookie) StateAt(a actor.ID, v uint64) (VersionState, bool) {
	ab := b.bookFor(a)
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	i, found := ab.find(v)
	if !found {
		return 0, false
	}
	return ab.spans[i].state, true
}

// Last returns the highest version recorded for a, and whether a has any
// recorded versions at all.
func (b *Bookie) Last(a actor.ID) (uint64, bool) {
	ab := b.bookFor(a)
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	if len(ab.spans) == 0 {
		return 0, false
	}
	return ab.spans[len(ab.spans)-1].end, true
}

// Insert records [start, end] for actor a at the given state. A span
// already recorded as Current or Cleared is never overwritten or
// downgraded; only gaps and existing Partial spans are replaced by the new
// state. This lets a Partial range learned from a peer's SyncSummary later
// be upgraded to Current once the rows actually arrive, while a
// concurrently-applied local write can never be clobbered by a stale
// Partial notice.
func (b *Bookie) Insert(a actor.ID, start, end uint64, state VersionState) {
	if end < start {
		return
	}
	ab := b.bookFor(a)
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.insert(start, end, state)
}

// VersionRange is an inclusive [Start, End] range of an actor's versions.
type VersionRange struct {
	Start, End uint64
}

// Need computes the version ranges of actor a, bounded by [1, upTo], that
// self does not hold in a definitive (Current or Cleared) state. Used to
// answer a peer's SyncSummary: "here is what I have for each actor, tell me
// what you have that I don't."
func (b *Bookie) Need(a actor.ID, upTo uint64) []VersionRange {
	if upTo == 0 {
		return nil
	}
	ab := b.bookFor(a)
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.need(upTo)
}

// NeedLen returns the total count of versions Need would report, by
// summing the ranges Need returns.
func (b *Bookie) NeedLen(a actor.ID, upTo uint64) uint64 {
	var total uint64
	for _, r := range b.Need(a, upTo) {
		total += r.End - r.Start + 1
	}
	return total
}

// Snapshot returns, for every actor this Bookie knows about, its highest
// recorded version. This is the basis of an outgoing SyncSummary's "heads".
func (b *Bookie) Snapshot() map[actor.ID]uint64 {
	b.mu.Lock()
	actors := make([]actor.ID, 0, len(b.actors))
	books := make([]*actorBook, 0, len(b.actors))
	for a, ab := range b.actors {
		actors = append(actors, a)
		books = append(books, ab)
	}
	b.mu.Unlock()

	out := make(map[actor.ID]uint64, len(actors))
	for i, a := range actors {
		ab := books[i]
		ab.mu.RLock()
		if n := len(ab.spans); n > 0 {
			out[a] = ab.spans[n-1].end
		}
		ab.mu.RUnlock()
	}
	return out
}

func (ab *actorBook) find(v uint64) (int, bool) {
	i := sort.Search(len(ab.spans), func(i int) bool { return ab.spans[i].end >= v })
	if i < len(ab.spans) && ab.spans[i].start <= v {
		return i, true
	}
	return i, false
}

// insert paints [start, end] with state over the current spans, leaving
// any existing Current/Cleared span untouched where it overlaps, and
// replacing gaps or Partial spans with the new state. The result is
// rebuilt from scratch and re-merged rather than mutated in place: ranges
// are small in practice (bounded by how far a single replica can fall
// behind) so this trades a little allocation for an algorithm that is easy
// to convince yourself is correct.
func (ab *actorBook) insert(start, end uint64, state VersionState) {
	var out []span
	cursor := start

	flushNew := func(to uint64) {
		if cursor <= to {
			out = append(out, span{cursor, to, state})
		}
	}

	for _, s := range ab.spans {
		if s.end < start || s.start > end {
			out = append(out, s)
			continue
		}
		if s.start > cursor {
			flushNew(s.start - 1)
			cursor = s.start
		}
		overlapStart := maxU64(s.start, cursor)
		overlapEnd := minU64(s.end, end)
		if s.state == Partial && state != Partial {
			if s.start < overlapStart {
				out = append(out, span{s.start, overlapStart - 1, s.state})
			}
			out = append(out, span{overlapStart, overlapEnd, state})
			if s.end > overlapEnd {
				out = append(out, span{overlapEnd + 1, s.end, s.state})
			}
		} else {
			out = append(out, s)
		}
		if s.end+1 > cursor {
			cursor = s.end + 1
		}
	}
	flushNew(end)

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	ab.spans = mergeAdjacent(out)
}

func mergeAdjacent(spans []span) []span {
	if len(spans) == 0 {
		return spans
	}
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if last.state == s.state && s.start <= last.end+1 {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func (ab *actorBook) need(upTo uint64) []VersionRange {
	var out []VersionRange
	next := uint64(1)
	for _, s := range ab.spans {
		if s.start > upTo {
			break
		}
		if s.start > next {
			out = append(out, VersionRange{next, minU64(s.start-1, upTo)})
		}
		if s.state == Partial {
			start, end := maxU64(s.start, next), minU64(s.end, upTo)
			if start <= end {
				out = append(out, VersionRange{start, end})
			}
		}
		if s.end+1 > next {
			next = s.end + 1
		}
	}
	if next <= upTo {
		out = append(out, VersionRange{next, upTo})
	}
	return out
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
