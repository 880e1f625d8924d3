package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryHub is an in-process relay with the same contract as Server+Client.
// Each client gets its events in order on its own goroutine.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*MemoryClient
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[string]map[string]*MemoryClient)}
}

// MemoryClient is a client attached to a MemoryHub.
type MemoryClient struct {
	hub *MemoryHub

	mu   sync.RWMutex
	id   string
	room string
	gone bool

	handlers handlerList
	box      *mailbox
}

// Client creates a client that is not yet in any room.
func (h *MemoryHub) Client() *MemoryClient {
	c := &MemoryClient{hub: h, box: newMailbox()}
	go c.box.run(c.handlers.emit)
	return c
}

func (c *MemoryClient) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Join assigns a fresh uuid, like the websocket relay.
func (c *MemoryClient) Join(ctx context.Context, roomID string) (string, error) {
	return c.JoinAs(ctx, roomID, uuid.NewString())
}

// JoinAs joins with a caller-chosen id.
func (c *MemoryClient) JoinAs(ctx context.Context, roomID, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return "", ErrRelayUnavailable
	}
	if c.id != "" {
		defer c.mu.Unlock()
		return c.id, nil
	}
	c.id = id
	c.room = roomID
	c.mu.Unlock()

	c.hub.mu.Lock()
	members := c.hub.rooms[roomID]
	if members == nil {
		members = make(map[string]*MemoryClient)
		c.hub.rooms[roomID] = members
	}
	if _, taken := members[id]; taken {
		c.hub.mu.Unlock()
		return "", fmt.Errorf("peer id %s already in %s", id, roomID)
	}
	others := make([]*MemoryClient, 0, len(members))
	for _, o := range members {
		others = append(others, o)
	}
	members[id] = c
	c.hub.mu.Unlock()

	for _, o := range others {
		c.box.push(Event{Kind: KindPeerOnline, Peer: o.ID()})
		o.box.push(Event{Kind: KindPeerOnline, Peer: id})
	}
	return id, nil
}

func (c *MemoryClient) Send(ctx context.Context, kind Kind, to string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !relayable(kind) {
		return ErrBadKind
	}
	c.mu.RLock()
	id, room, gone := c.id, c.room, c.gone
	c.mu.RUnlock()
	if gone {
		return ErrRelayUnavailable
	}
	if id == "" {
		return ErrNotJoined
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	c.hub.mu.Lock()
	target := c.hub.rooms[room][to]
	c.hub.mu.Unlock()
	if target == nil {
		c.box.push(Event{Kind: KindError, Err: fmt.Errorf("unknown peer %s", to)})
		return nil
	}
	target.box.push(Event{Kind: kind, From: id, Payload: raw})
	return nil
}

func (c *MemoryClient) OnEvent(fn func(Event)) func() {
	return c.handlers.add(fn)
}

// Close leaves the room quietly.
func (c *MemoryClient) Close() error {
	c.leave(false)
	return nil
}

// Drop simulates losing the relay connection.
func (c *MemoryClient) Drop() {
	c.leave(true)
}

func (c *MemoryClient) leave(lost bool) {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return
	}
	c.gone = true
	id, room := c.id, c.room
	c.mu.Unlock()

	if id != "" {
		c.hub.mu.Lock()
		members := c.hub.rooms[room]
		delete(members, id)
		if len(members) == 0 {
			delete(c.hub.rooms, room)
		}
		others := make([]*MemoryClient, 0, len(members))
		for _, o := range members {
			others = append(others, o)
		}
		c.hub.mu.Unlock()

		for _, o := range others {
			o.box.push(Event{Kind: KindPeerOffline, Peer: id})
		}
	}

	if lost {
		c.box.push(Event{Kind: KindRelayUnavailable, Err: ErrRelayUnavailable})
	}
	c.box.close()
}

// mailbox is an unbounded ordered event queue drained by one goroutine.
type mailbox struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, ev)
	m.mu.Unlock()
	m.signal()
}

// close delivers what is queued, then stops the goroutine.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(emit func(Event)) {
	for range m.wake {
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			closed := m.closed
			m.mu.Unlock()

			for _, ev := range batch {
				emit(ev)
			}
			if closed && len(batch) == 0 {
				return
			}
			if len(batch) == 0 {
				break
			}
		}
	}
}
