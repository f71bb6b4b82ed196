// Package membership implements a SWIM-style failure detector: periodic
// random-probe liveness checks, suspicion with a timeout before a member
// is declared down, and incarnation numbers so a falsely-suspected member
// can refute the suspicion. No SWIM or memberlist library is wired here:
// none of the example pack's go.mod files import one, and Membership is
// one of this repo's five core concerns rather than an assumed external
// collaborator (spec.md §4.F).
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ripple-db/ripple/internal/actor"
)

// RandomNodesChoices bounds how many peers bootstrap announces to and how
// many indirect probers a suspicion round recruits (spec.md §4.F/§9).
const RandomNodesChoices = 10

// Status is a member's locally observed liveness state.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Event is one of the notifications spec.md §4.F names.
type Event int

const (
	Up Event = iota
	Down
	Active
	Idle
	Defunct
	Rejoin
)

func (e Event) String() string {
	switch e {
	case Up:
		return "up"
	case Down:
		return "down"
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Defunct:
		return "defunct"
	case Rejoin:
		return "rejoin"
	default:
		return "unknown"
	}
}

// Notification is emitted on every state transition worth telling the rest
// of the agent about.
type Notification struct {
	Actor actor.ID
	Event Event
}

// Pinger is the outbound half of the SWIM protocol: sending an opaque
// payload (a swimMessage, JSON-encoded) to a peer address. internal/transport
// implements this over UDP; keeping it as an interface here means this
// package never imports internal/transport.
type Pinger interface {
	SendSWIM(ctx context.Context, addr string, payload []byte) error
}

// Persister is the subset of ChangeStore's member bookkeeping Membership
// needs, kept as an interface so tests don't need a real sqlite file.
type Persister interface {
	UpsertMember(ctx context.Context, id actor.ID, addr, state string) error
	DeleteMember(ctx context.Context, id actor.ID) error
	ListMembers(ctx context.Context) (map[actor.ID]string, error)
}

type member struct {
	addr        string
	status      Status
	incarnation uint64
	suspectedAt time.Time
}

// Membership is the SWIM instance: `states: ActorId -> {addr, foca_state}`.
type Membership struct {
	self     actor.ID
	selfAddr string
	pinger   Pinger
	persist  Persister

	mu      sync.RWMutex
	members map[actor.ID]*member

	notifications chan Notification

	probeTimeout     time.Duration
	suspicionTimeout time.Duration
}

// New builds a Membership instance bound to self's own address.
func New(self actor.ID, selfAddr string, pinger Pinger, persist Persister) *Membership {
	return &Membership{
		self:             self,
		selfAddr:         selfAddr,
		pinger:           pinger,
		persist:          persist,
		members:          make(map[actor.ID]*member),
		notifications:    make(chan Notification, 256),
		probeTimeout:     2 * time.Second,
		suspicionTimeout: 8 * time.Second,
	}
}

// Notifications is where Up/Down/Active/Idle/Defunct/Rejoin events are
// delivered. The agent wiring drains and logs them; the broadcaster picks
// its fan-out set from Members directly.
func (m *Membership) Notifications() <-chan Notification { return m.notifications }

func (m *Membership) emit(a actor.ID, e Event) {
	select {
	case m.notifications <- Notification{Actor: a, Event: e}:
	default:
		log.Printf("membership: notification channel full, dropping %s for %s", e, a)
	}
}

// Join adds a peer directly, as if it had just been discovered by
// bootstrap or an explicit join request. Emits Up.
func (m *Membership) Join(ctx context.Context, id actor.ID, addr string) {
	if id == m.self {
		return
	}
	m.mu.Lock()
	_, existed := m.members[id]
	m.members[id] = &member{addr: addr, status: Alive}
	size := len(m.members)
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.UpsertMember(ctx, id, addr, Alive.String()); err != nil {
			log.Printf("membership: persisting member %s: %v", id, err)
		}
	}
	if existed {
		m.emit(id, Rejoin)
	} else {
		m.emit(id, Up)
	}
	log.Printf("membership: cluster size now %d", size)
}

// Members returns the (id, addr) of every member not declared Dead (Alive
// or Suspect), the set a broadcaster chooses fan-out recipients from.
func (m *Membership) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for id, mm := range m.members {
		if mm.status == Dead {
			continue
		}
		out = append(out, Member{ID: id, Addr: mm.addr})
	}
	return out
}

// Member is a lightweight (id, address) pair.
type Member struct {
	ID   actor.ID
	Addr string
}

// RandomSubset picks up to n distinct live members at random, for
// broadcast fan-out or bootstrap announcement.
func (m *Membership) RandomSubset(n int) []Member {
	all := m.Members()
	if len(all) <= n {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:n]
}

// swimMessage is the JSON body carried inside a PayloadKind SWIM datagram.
// Kept as JSON rather than the length-delimited Message codec: this
// payload is explicitly "opaque" from the transport's point of view
// (spec.md §4.G), so it is free to use whatever encoding the failure
// detector wants.
type swimMessage struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	FromAddr    string `json:"from_addr"`
	Target      string `json:"target,omitempty"`
	Incarnation uint64 `json:"incarnation"`
}

// HandleSWIM processes one inbound SWIM datagram. Called by the transport
// layer for every PayloadKind 0x00 packet.
func (m *Membership) HandleSWIM(ctx context.Context, raw []byte, fromAddr string) {
	var msg swimMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("membership: malformed SWIM payload from %s: %v", fromAddr, err)
		return
	}
	fromID, err := actor.Parse(msg.From)
	if err != nil {
		log.Printf("membership: malformed SWIM sender id from %s: %v", fromAddr, err)
		return
	}

	m.noteAlive(ctx, fromID, msg.FromAddr, msg.Incarnation)

	switch msg.Type {
	case "ping":
		m.reply(ctx, fromAddr, "ack", 0)
	case "ack":
		// handled by noteAlive above; nothing further to do.
	case "suspect":
		if msg.Target == m.self.String() {
			// We are being suspected: refute by incrementing our own
			// incarnation and broadcasting an alive claim back.
			m.reply(ctx, fromAddr, "alive", m.bumpIncarnation())
			return
		}
		if target, err := actor.Parse(msg.Target); err == nil {
			m.markSuspect(ctx, target)
		}
	case "alive":
		if target, err := actor.Parse(msg.Target); err == nil {
			m.noteAlive(ctx, target, "", msg.Incarnation)
		}
	}
}

func (m *Membership) reply(ctx context.Context, addr, typ string, incarnation uint64) {
	if m.pinger == nil {
		return
	}
	raw, err := json.Marshal(swimMessage{Type: typ, From: m.self.String(), FromAddr: m.selfAddr, Incarnation: incarnation})
	if err != nil {
		return
	}
	if err := m.pinger.SendSWIM(ctx, addr, raw); err != nil {
		log.Printf("membership: replying %s to %s: %v", typ, addr, err)
	}
}

func (m *Membership) bumpIncarnation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	self, ok := m.members[m.self]
	if !ok {
		return 0
	}
	self.incarnation++
	return self.incarnation
}

func (m *Membership) noteAlive(ctx context.Context, id actor.ID, addr string, incarnation uint64) {
	if id == m.self {
		return
	}
	m.mu.Lock()
	mm, existed := m.members[id]
	if !existed {
		if addr == "" {
			m.mu.Unlock()
			return
		}
		mm = &member{addr: addr}
		m.members[id] = mm
	}
	wasDead := mm.status == Dead
	wasSuspect := mm.status == Suspect
	if addr != "" {
		mm.addr = addr
	}
	if incarnation >= mm.incarnation {
		mm.incarnation = incarnation
		mm.status = Alive
	}
	m.mu.Unlock()

	if !existed {
		m.emit(id, Up)
		if m.persist != nil {
			_ = m.persist.UpsertMember(ctx, id, addr, Alive.String())
		}
		return
	}
	if wasDead {
		m.emit(id, Rejoin)
	} else if wasSuspect {
		m.emit(id, Active)
	}
}

func (m *Membership) markSuspect(ctx context.Context, id actor.ID) {
	m.mu.Lock()
	mm, ok := m.members[id]
	if !ok || mm.status != Alive {
		m.mu.Unlock()
		return
	}
	mm.status = Suspect
	mm.suspectedAt = time.Now()
	m.mu.Unlock()
	m.emit(id, Idle)
}

// markDead declares id Dead, emits Down, and removes its persisted row.
// Called by the probe loop after suspicionTimeout elapses with no
// refutation.
func (m *Membership) markDead(ctx context.Context, id actor.ID) {
	m.mu.Lock()
	mm, ok := m.members[id]
	if ok {
		mm.status = Dead
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	log.Printf("membership: member %s declared defunct", id)
	m.emit(id, Defunct)
	m.emit(id, Down)
	if m.persist != nil {
		if err := m.persist.DeleteMember(ctx, id); err != nil {
			log.Printf("membership: removing persisted member %s: %v", id, err)
		}
	}

	m.mu.Lock()
	delete(m.members, id)
	size := len(m.members)
	m.mu.Unlock()
	log.Printf("membership: cluster size now %d", size)

	// TODO(rotation): Defunct should eventually trigger identity rotation
	// for the member's old actor id; not implemented (SPEC_FULL.md §4).
}

// Run drives the probe loop until ctx is canceled: each tick it pings one
// random live member directly, and declares any long-suspected member
// dead. internal/agent does not start this loop, so an agent never probes
// its members or expires a suspected one.
func (m *Membership) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Membership) tick(ctx context.Context) {
	m.expireSuspects(ctx)

	targets := m.RandomSubset(1)
	if len(targets) == 0 {
		return
	}
	target := targets[0]

	raw, err := json.Marshal(swimMessage{Type: "ping", From: m.self.String(), FromAddr: m.selfAddr})
	if err != nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.pinger.SendSWIM(pingCtx, target.Addr, raw); err != nil {
		m.markSuspect(ctx, target.ID)
		m.gossipSuspicion(ctx, target.ID)
	}
}

func (m *Membership) gossipSuspicion(ctx context.Context, suspect actor.ID) {
	helpers := m.RandomSubset(RandomNodesChoices)
	raw, err := json.Marshal(swimMessage{Type: "suspect", From: m.self.String(), FromAddr: m.selfAddr, Target: suspect.String()})
	if err != nil {
		return
	}
	for _, h := range helpers {
		if h.ID == suspect {
			continue
		}
		_ = m.pinger.SendSWIM(ctx, h.Addr, raw)
	}
}

func (m *Membership) expireSuspects(ctx context.Context) {
	var dead []actor.ID
	now := time.Now()
	m.mu.RLock()
	for id, mm := range m.members {
		if mm.status == Suspect && now.Sub(mm.suspectedAt) > m.suspicionTimeout {
			dead = append(dead, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range dead {
		m.markDead(ctx, id)
	}
}

// Bootstrap resolves each "host[:port][@dns_server]" entry to a socket
// address and joins the resolved peers, falling back to whatever this
// replica last persisted if DNS resolution fails entirely (spec.md §4.F).
// A random subset of up to RandomNodesChoices resolved peers is announced
// to; announcing to every resolved address at once would make bootstrap
// itself a thundering herd on a large cluster.
func (m *Membership) Bootstrap(ctx context.Context, entries []string) error {
	var resolved []string
	var resolveErr error
	for _, e := range entries {
		addrs, err := resolveBootstrapEntry(e)
		if err != nil {
			resolveErr = err
			log.Printf("membership: resolving bootstrap entry %q: %v", e, err)
			continue
		}
		resolved = append(resolved, addrs...)
	}

	if len(resolved) == 0 && m.persist != nil {
		log.Printf("membership: DNS bootstrap failed (%v), falling back to persisted members", resolveErr)
		persisted, err := m.persist.ListMembers(ctx)
		if err != nil {
			return fmt.Errorf("membership: loading persisted members: %w", err)
		}
		for _, addr := range persisted {
			resolved = append(resolved, addr)
		}
	}

	sort.Strings(resolved)
	if len(resolved) > RandomNodesChoices {
		rand.Shuffle(len(resolved), func(i, j int) { resolved[i], resolved[j] = resolved[j], resolved[i] })
		resolved = resolved[:RandomNodesChoices]
	}

	raw, err := json.Marshal(swimMessage{Type: "ping", From: m.self.String(), FromAddr: m.selfAddr})
	if err != nil {
		return err
	}
	for _, addr := range resolved {
		if err := m.pinger.SendSWIM(ctx, addr, raw); err != nil {
			log.Printf("membership: bootstrap ping to %s: %v", addr, err)
		}
	}
	return nil
}

// resolveBootstrapEntry parses "host[:port][@dns_server]" and resolves
// host to one or more socket addresses using the given DNS server, or the
// system resolver if none is specified.
func resolveBootstrapEntry(entry string) ([]string, error) {
	dnsServer := ""
	hostport := entry
	if i := strings.LastIndex(entry, "@"); i >= 0 {
		hostport = entry[:i]
		dnsServer = entry[i+1:]
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, "7946"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}

	resolver := net.DefaultResolver
	if dnsServer != "" {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, network, net.JoinHostPort(dnsServer, "53"))
			},
		}
	}

	ips, err := resolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip.String(), port))
	}
	return out, nil
}
