// Package chat carries text and file messages: one-to-one over negotiated
// data channels and group-wide over bus topics, with persisted history.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/blob"
	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("chat")

var ErrNoSession = errors.New("no session with peer")

// maxFrameSize bounds a single data channel frame.
const maxFrameSize = 64 * 1024

// Session is an open channel to one peer. negotiate.Negotiator satisfies it.
type Session interface {
	PeerID() string
	Send([]byte) error
	OnMessage(func([]byte))
}

// frame is the data channel wire format.
type frame struct {
	ID          string       `json:"id"`
	Kind        bus.Kind     `json:"kind"`
	Text        string       `json:"text,omitempty"`
	File        *bus.FileRef `json:"file,omitempty"`
	SenderName  string       `json:"senderName,omitempty"`
	TimestampMs int64        `json:"timestampMs"`
}

type DirectOptions struct {
	HistorySize int
	DisplayName string
	// BlobOwner is the address peers fetch shared files from. Empty lets
	// receivers ask every connected peer.
	BlobOwner string
}

// Direct handles one-to-one chat over peer sessions.
type Direct struct {
	selfID string
	owner  string
	kv     KV
	blobs  Blobs
	size   int

	mu        sync.RWMutex
	name      string
	sessions  map[string]Session
	histories map[string]*History
	listeners listeners
}

func NewDirect(selfID string, kv KV, blobs Blobs, opts DirectOptions) *Direct {
	return &Direct{
		selfID:    selfID,
		owner:     opts.BlobOwner,
		kv:        kv,
		blobs:     blobs,
		size:      opts.HistorySize,
		name:      opts.DisplayName,
		sessions:  make(map[string]Session),
		histories: make(map[string]*History),
	}
}

// SetSelfID sets the local session id, which the relay assigns on every join.
func (d *Direct) SetSelfID(id string) {
	d.mu.Lock()
	d.selfID = id
	d.mu.Unlock()
}

func (d *Direct) self() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selfID
}

// SetDisplayName changes the name stamped on outgoing frames.
func (d *Direct) SetDisplayName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Attach starts reading chat frames from s. A later session for the same
// peer replaces the earlier one.
func (d *Direct) Attach(s Session) {
	peerID := s.PeerID()
	d.mu.Lock()
	d.sessions[peerID] = s
	d.mu.Unlock()

	s.OnMessage(func(b []byte) {
		msg := decodeFrame(b, peerID, d.self())
		if err := d.record(context.Background(), peerID, msg); err != nil {
			log.Warnf("store message from %s: %v", util.ShortID(peerID), err)
		}
		log.Debugf("direct message from %s: %.50s", util.ShortID(peerID), msg.Content)
	})
}

// SendText sends a text message to peerID.
func (d *Direct) SendText(ctx context.Context, peerID, text string) (*Message, error) {
	msg := NewMessage(MessageTypeDirect, d.self(), peerID, text)
	return msg, d.send(ctx, msg)
}

// SendFile uploads data to the blob store and shares it with peerID.
func (d *Direct) SendFile(ctx context.Context, peerID, name, mime string, data []byte, progress blob.Progress) (*Message, error) {
	ref, err := share(ctx, d.blobs, d.owner, name, mime, data, progress)
	if err != nil {
		return nil, err
	}
	msg := NewFileMessage(MessageTypeDirect, d.self(), peerID, ref)
	return msg, d.send(ctx, msg)
}

// Fetch downloads the attachment of a received file message.
func (d *Direct) Fetch(ctx context.Context, msg *Message, progress blob.Progress) ([]byte, error) {
	return fetch(ctx, d.blobs, msg, progress)
}

func (d *Direct) send(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	s, ok := d.sessions[msg.To]
	msg.SenderName = d.name
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, util.ShortID(msg.To))
	}

	b, err := json.Marshal(frame{
		ID:          msg.ID,
		Kind:        msg.Kind,
		Text:        msg.Content,
		File:        msg.File,
		SenderName:  msg.SenderName,
		TimestampMs: msg.Timestamp,
	})
	if err != nil {
		return err
	}
	if len(b) > maxFrameSize {
		return fmt.Errorf("message too large for a frame (%d bytes)", len(b))
	}
	if err := s.Send(b); err != nil {
		return fmt.Errorf("send to %s: %w", util.ShortID(msg.To), err)
	}
	return d.record(ctx, msg.To, msg)
}

// Conversation returns the stored messages exchanged with peerID.
func (d *Direct) Conversation(ctx context.Context, peerID string) ([]*Message, error) {
	h, err := d.history(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return h.Messages(), nil
}

// ClearConversation drops the stored history with peerID.
func (d *Direct) ClearConversation(ctx context.Context, peerID string) error {
	h, err := d.history(ctx, peerID)
	if err != nil {
		return err
	}
	return h.clear(ctx)
}

func (d *Direct) Subscribe() <-chan *Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners.add()
}

func (d *Direct) Unsubscribe(ch <-chan *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners.remove(ch)
}

func (d *Direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners.closeAll()
	return nil
}

func (d *Direct) record(ctx context.Context, peerID string, msg *Message) error {
	h, err := d.history(ctx, peerID)
	if err != nil {
		return err
	}
	err = h.append(ctx, msg)

	d.mu.RLock()
	d.listeners.notify(msg)
	d.mu.RUnlock()
	return err
}

func (d *Direct) history(ctx context.Context, peerID string) (*History, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.histories[peerID]; ok {
		return h, nil
	}
	h := newHistory(d.kv, "chat/direct/"+peerID, d.size)
	if err := h.load(ctx); err != nil {
		return nil, err
	}
	d.histories[peerID] = h
	return h, nil
}

// decodeFrame trusts only the session for the sender. Frames that are not
// JSON are kept as plain text.
func decodeFrame(b []byte, from, to string) *Message {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil || f.ID == "" {
		msg := NewMessage(MessageTypeDirect, from, to, string(b))
		return msg
	}
	msg := &Message{
		ID:         f.ID,
		From:       from,
		SenderName: f.SenderName,
		To:         to,
		Type:       MessageTypeDirect,
		Kind:       f.Kind,
		Content:    f.Text,
		File:       f.File,
		Timestamp:  f.TimestampMs,
	}
	if msg.Kind == "" {
		msg.Kind = bus.KindText
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}
