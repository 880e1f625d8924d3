// Package state holds in-memory runtime tables shared across packages.
package state

import (
	"sort"
	"sync"
	"time"
)

type Presence struct {
	Room         string
	Online       bool
	LastSeen     time.Time
	OfflineSince time.Time
}

type PresenceEvent struct {
	Type   string    `json:"type"` // "online", "offline", "remove"
	PeerID string    `json:"peer_id"`
	Peer   *Presence `json:"peer,omitempty"`
}

// PresenceTable tracks which relay peers are in the room.
type PresenceTable struct {
	mu        sync.Mutex
	peers     map[string]Presence
	listeners []chan PresenceEvent
	now       func() time.Time
}

func NewPresenceTable() *PresenceTable {
	return &PresenceTable{
		peers: map[string]Presence{},
		now:   time.Now,
	}
}

func (t *PresenceTable) Online(id, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Presence{Room: room, Online: true, LastSeen: t.now()}
	t.peers[id] = p
	t.notifyListeners(PresenceEvent{Type: "online", PeerID: id, Peer: &p})
}

// Offline marks a known peer as gone. Unknown peers are ignored.
func (t *PresenceTable) Offline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok || !p.Online {
		return
	}
	p.Online = false
	p.OfflineSince = t.now()
	t.peers[id] = p
	t.notifyListeners(PresenceEvent{Type: "offline", PeerID: id, Peer: &p})
}

// Touch records activity from a peer we already know about.
func (t *PresenceTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.LastSeen = t.now()
	t.peers[id] = p
}

func (t *PresenceTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PresenceEvent{Type: "remove", PeerID: id})
}

// ClearAll marks every peer offline, e.g. after losing the relay.
func (t *PresenceTable) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, p := range t.peers {
		if !p.Online {
			continue
		}
		p.Online = false
		p.OfflineSince = now
		t.peers[id] = p
		t.notifyListeners(PresenceEvent{Type: "offline", PeerID: id, Peer: &p})
	}
}

func (t *PresenceTable) Get(id string) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// OnlineIDs returns the ids currently online, sorted.
func (t *PresenceTable) OnlineIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id, p := range t.peers {
		if p.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *PresenceTable) Snapshot() map[string]Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Presence, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneOffline drops peers that went offline before cutoff.
func (t *PresenceTable) PruneOffline(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, p := range t.peers {
		if !p.Online && p.OfflineSince.Before(cutoff) {
			delete(t.peers, id)
			t.notifyListeners(PresenceEvent{Type: "remove", PeerID: id})
			n++
		}
	}
	return n
}

func (t *PresenceTable) Subscribe() chan PresenceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PresenceEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PresenceTable) Unsubscribe(ch chan PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners never blocks; slow listeners miss events.
func (t *PresenceTable) notifyListeners(evt PresenceEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
