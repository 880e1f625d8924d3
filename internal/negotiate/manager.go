package negotiate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/goopchat/internal/relay"
	"github.com/petervdpas/goopchat/internal/state"
	"github.com/petervdpas/goopchat/internal/util"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Room     string
	Timeout  time.Duration
	Presence *state.PresenceTable
}

// Manager owns one Negotiator per remote peer and routes relay events to it.
type Manager struct {
	sig      Signaler
	factory  Factory
	room     string
	timeout  time.Duration
	presence *state.PresenceTable
	detach   func()

	mu        sync.Mutex
	sessions  map[string]*Negotiator
	closed    bool
	onSession []func(*Negotiator)
	onLost    []func(error)
}

func NewManager(sig Signaler, factory Factory, opts ManagerOptions) *Manager {
	if opts.Presence == nil {
		opts.Presence = state.NewPresenceTable()
	}
	m := &Manager{
		sig:      sig,
		factory:  factory,
		room:     opts.Room,
		timeout:  opts.Timeout,
		presence: opts.Presence,
		sessions: map[string]*Negotiator{},
	}
	m.detach = sig.OnEvent(m.handleEvent)
	return m
}

// Presence returns the room presence table.
func (m *Manager) Presence() *state.PresenceTable { return m.presence }

// OnSession registers fn for every negotiator the manager creates, before
// it sees any signaling.
func (m *Manager) OnSession(fn func(*Negotiator)) {
	m.mu.Lock()
	m.onSession = append(m.onSession, fn)
	m.mu.Unlock()
}

// OnRelayUnavailable registers fn for loss of the signaling relay.
func (m *Manager) OnRelayUnavailable(fn func(error)) {
	m.mu.Lock()
	m.onLost = append(m.onLost, fn)
	m.mu.Unlock()
}

// Call starts (or restarts) a session with peerID as caller.
func (m *Manager) Call(ctx context.Context, peerID string) (*Negotiator, error) {
	n, err := m.session(peerID)
	if err != nil {
		return nil, err
	}
	if err := n.StartCall(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Get returns the negotiator for peerID, if any.
func (m *Manager) Get(peerID string) (*Negotiator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.sessions[peerID]
	return n, ok
}

// Peers returns the ids with a live negotiator, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Hangup closes the session with peerID.
func (m *Manager) Hangup(peerID string) {
	if n, ok := m.Get(peerID); ok {
		n.Close()
	}
}

// Close closes every session and stops routing relay events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Negotiator, 0, len(m.sessions))
	for _, n := range m.sessions {
		all = append(all, n)
	}
	m.mu.Unlock()

	m.detach()
	for _, n := range all {
		n.Close()
	}
}

var errManagerClosed = errors.New("session manager closed")

// session returns the negotiator for peerID, creating an Idle one.
func (m *Manager) session(peerID string) (*Negotiator, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	if n, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return n, nil
	}
	n := New(m.sig, m.factory, peerID, Options{Room: m.room, Timeout: m.timeout})
	n.onClosed(func() { m.forget(peerID, n) })
	m.sessions[peerID] = n
	hooks := append(([]func(*Negotiator))(nil), m.onSession...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(n)
	}
	log.Debugf("new session for %s", util.ShortID(peerID))
	return n, nil
}

func (m *Manager) forget(peerID string, n *Negotiator) {
	m.mu.Lock()
	if m.sessions[peerID] == n {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
}

func (m *Manager) handleEvent(ev relay.Event) {
	switch ev.Kind {
	case relay.KindPeerOnline:
		m.presence.Online(ev.Peer, m.room)
	case relay.KindPeerOffline:
		m.presence.Offline(ev.Peer)
	case relay.KindOffer, relay.KindICECandidate:
		if ev.From == "" {
			return
		}
		m.presence.Touch(ev.From)
		n, err := m.session(ev.From)
		if err != nil {
			return
		}
		n.HandleSignal(ev.Kind, ev.Payload)
	case relay.KindAnswer:
		// Answers are only meaningful to a session we started.
		if n, ok := m.Get(ev.From); ok {
			n.HandleSignal(ev.Kind, ev.Payload)
		} else {
			log.Debugf("dropping answer from unknown peer %s", util.ShortID(ev.From))
		}
	case relay.KindError:
		log.Warnf("relay: %v", ev.Err)
	case relay.KindRelayUnavailable:
		log.Warnf("signaling relay lost: %v", ev.Err)
		m.presence.ClearAll()
		m.mu.Lock()
		fns := append(([]func(error))(nil), m.onLost...)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(ev.Err)
		}
	}
}
