package p2p

import (
	"sort"
	"sync"
	"time"
)

// PeerRole is the declared role of a remote peer as seen by the
// bootstrap directory. Unknown until the peer announces itself.
type PeerRole string

const (
	PeerRoleUnknown   PeerRole = "unknown"
	PeerRoleBootstrap PeerRole = "bootstrap"
	PeerRoleClient    PeerRole = "client"
	PeerRoleTrainer   PeerRole = "trainer"
)

// PeerRecord is one entry in the directory: a connected peer, its
// declared role, the topics it has joined, and its last reachable
// address. Exactly one role per peer id within a snapshot.
type PeerRecord struct {
	ID       string    `json:"id"`
	Role     PeerRole  `json:"role"`
	Topics   []string  `json:"topics"`
	Addr     string    `json:"addr,omitempty"`
	Operator string    `json:"operator,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Directory is the bootstrap's live view of the mesh. Single writer
// (the overlay event loop), many readers; readers get copies.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
}

type peerEntry struct {
	role     PeerRole
	topics   map[string]struct{}
	addr     string
	operator string
	lastSeen time.Time
}

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]*peerEntry)}
}

// Connected inserts a peer with role unknown. Idempotent; a
// reconnecting peer keeps its announced role.
func (d *Directory) Connected(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[id]; !ok {
		d.peers[id] = &peerEntry{role: PeerRoleUnknown, topics: make(map[string]struct{})}
	}
	d.peers[id].lastSeen = time.Now()
}

// Disconnected evicts the peer from the directory.
func (d *Directory) Disconnected(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

// Announced applies a role announcement: the declared role replaces any
// previous one, and the topic set is replaced wholesale (announcements
// carry the full membership list).
func (d *Directory) Announced(id string, role PeerRole, topics []string, addr, operator string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.peers[id]
	if !ok {
		e = &peerEntry{topics: make(map[string]struct{})}
		d.peers[id] = e
	}
	e.role = role
	e.topics = make(map[string]struct{}, len(topics))
	for _, t := range topics {
		e.topics[t] = struct{}{}
	}
	if addr != "" {
		e.addr = addr
	}
	if operator != "" {
		e.operator = operator
	}
	e.lastSeen = time.Now()
}

// Snapshot returns all records ordered by peer id.
func (d *Directory) Snapshot() []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerRecord, 0, len(d.peers))
	for id, e := range d.peers {
		out = append(out, e.record(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MeshMembers returns the peers that have joined topic, ordered by id.
func (d *Directory) MeshMembers(topic string) []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []PeerRecord
	for id, e := range d.peers {
		if _, ok := e.topics[topic]; ok {
			out = append(out, e.record(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the record for one peer, if present.
func (d *Directory) Get(id string) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return e.record(id), true
}

func (e *peerEntry) record(id string) PeerRecord {
	topics := make([]string, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return PeerRecord{ID: id, Role: e.role, Topics: topics, Addr: e.addr, Operator: e.operator, LastSeen: e.lastSeen}
}
