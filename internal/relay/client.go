package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopchat/internal/util"
)

// Client is one peer's connection to the signaling relay. It does not
// reconnect: after a relay-unavailable event the caller dials again.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.RWMutex
	id     string
	room   string
	lost   bool
	closed bool

	joinMu sync.Mutex // one Join at a time
	joined chan Frame

	handlers handlerList
	done     chan struct{}
}

// Dial connects to the relay websocket at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrRelayUnavailable, url, err)
	}
	c := &Client{
		ws:     ws,
		joined: make(chan Frame, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID returns the relay-assigned peer id, empty before Join.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Room returns the joined room.
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Join registers presence in roomID and returns the assigned peer id.
// Peers already in the room are reported as peer-online events.
func (c *Client) Join(ctx context.Context, roomID string) (string, error) {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	if id := c.ID(); id != "" {
		return id, nil
	}
	if err := c.write(ctx, Frame{Type: KindJoin, Room: roomID}); err != nil {
		return "", err
	}

	timer := time.NewTimer(util.DefaultJoinTimeout)
	defer timer.Stop()
	select {
	case f := <-c.joined:
		if f.Type == KindError {
			return "", fmt.Errorf("join %s: %s", roomID, f.Error)
		}
		log.Infof("joined room %s as %s", roomID, util.ShortID(f.YourID))
		return f.YourID, nil
	case <-timer.C:
		return "", ErrJoinTimeout
	case <-c.done:
		return "", ErrRelayUnavailable
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send relays an offer, answer or ice-candidate to peer to.
func (c *Client) Send(ctx context.Context, kind Kind, to string, payload any) error {
	if !relayable(kind) {
		return ErrBadKind
	}
	if c.ID() == "" {
		return ErrNotJoined
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return c.write(ctx, Frame{Type: kind, To: to, Payload: raw})
}

// OnEvent registers fn for relayed messages and presence changes. Handlers
// run on the client's read goroutine in registration order.
func (c *Client) OnEvent(fn func(Event)) func() {
	return c.handlers.add(fn)
}

// Close disconnects without emitting relay-unavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.mu.RLock()
	unavailable := c.lost || c.closed
	c.mu.RUnlock()
	if unavailable {
		return ErrRelayUnavailable
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.lost = true
			c.mu.Unlock()
			if !closed {
				log.Warnf("relay connection lost: %v", err)
				c.handlers.emit(Event{Kind: KindRelayUnavailable, Err: fmt.Errorf("%w: %w", ErrRelayUnavailable, err)})
			}
			return
		}

		switch f.Type {
		case KindJoined:
			c.mu.Lock()
			c.id = f.YourID
			c.room = f.Room
			c.mu.Unlock()
			c.deliverJoin(f)
		case KindError:
			if c.ID() == "" {
				c.deliverJoin(f)
				continue
			}
			log.Debugf("relay error: %s", f.Error)
			c.handlers.emit(eventFromFrame(f))
		default:
			c.handlers.emit(eventFromFrame(f))
		}
	}
}

func (c *Client) deliverJoin(f Frame) {
	select {
	case c.joined <- f:
	default:
	}
}

// handlerList is an ordered set of event handlers.
type handlerList struct {
	mu   sync.RWMutex
	next uint64
	fns  []handlerEntry
}

type handlerEntry struct {
	id uint64
	fn func(Event)
}

func (h *handlerList) add(fn func(Event)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.fns = append(h.fns, handlerEntry{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.fns {
			if e.id == id {
				h.fns = append(h.fns[:i:i], h.fns[i+1:]...)
				return
			}
		}
	}
}

func (h *handlerList) emit(ev Event) {
	h.mu.RLock()
	fns := make([]handlerEntry, len(h.fns))
	copy(fns, h.fns)
	h.mu.RUnlock()
	for _, e := range fns {
		e.fn(ev)
	}
}

// IsUnavailable reports whether err means the relay is gone.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrRelayUnavailable)
}
