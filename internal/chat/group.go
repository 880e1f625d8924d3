package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petervdpas/goopchat/internal/blob"
	"github.com/petervdpas/goopchat/internal/bus"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"
)

var ErrNotJoined = errors.New("not joined to group")

// MemberCheck reports whether sender belongs to groupID. Messages from
// non-members are dropped.
type MemberCheck func(ctx context.Context, groupID, sender string) bool

type GroupOptions struct {
	HistorySize int
	DisplayName string
	Members     MemberCheck
}

type room struct {
	unsub   func()
	history *History
}

// Group handles group chat, one bus topic per joined group.
type Group struct {
	bus     *bus.Bus
	kv      KV
	blobs   Blobs
	size    int
	members MemberCheck

	mu        sync.RWMutex
	name      string
	rooms     map[string]*room
	listeners listeners
}

func NewGroup(b *bus.Bus, kv KV, blobs Blobs, opts GroupOptions) *Group {
	return &Group{
		bus:     b,
		kv:      kv,
		blobs:   blobs,
		size:    opts.HistorySize,
		members: opts.Members,
		name:    opts.DisplayName,
		rooms:   make(map[string]*room),
	}
}

func (g *Group) SetDisplayName(name string) {
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
}

// Join loads the stored history of groupID and starts receiving its
// messages. Joining twice is a no-op.
func (g *Group) Join(ctx context.Context, groupID string) error {
	g.mu.RLock()
	_, ok := g.rooms[groupID]
	g.mu.RUnlock()
	if ok {
		return nil
	}

	h := newHistory(g.kv, "chat/group/"+groupID, g.size)
	if err := h.load(ctx); err != nil {
		return err
	}
	unsub, err := g.bus.Subscribe(ctx, proto.GroupTopic(groupID), func(m bus.Message) {
		g.receive(groupID, m)
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", groupID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[groupID]; ok {
		unsub()
		return nil
	}
	g.rooms[groupID] = &room{unsub: unsub, history: h}
	log.Infof("joined group chat %s", groupID)
	return nil
}

// Leave stops receiving messages for groupID. History is kept.
func (g *Group) Leave(groupID string) {
	g.mu.Lock()
	r, ok := g.rooms[groupID]
	delete(g.rooms, groupID)
	g.mu.Unlock()
	if ok {
		r.unsub()
		log.Infof("left group chat %s", groupID)
	}
}

// Joined returns the ids of joined groups, sorted.
func (g *Group) Joined() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Group) SendText(ctx context.Context, groupID, text string) (*Message, error) {
	return g.publish(ctx, groupID, bus.Outgoing{Kind: bus.KindText, Text: text})
}

// SendFile uploads data and announces it to the group.
func (g *Group) SendFile(ctx context.Context, groupID, name, mime string, data []byte, progress blob.Progress) (*Message, error) {
	if _, err := g.room(groupID); err != nil {
		return nil, err
	}
	ref, err := share(ctx, g.blobs, g.bus.SelfID(), name, mime, data, progress)
	if err != nil {
		return nil, err
	}
	return g.publish(ctx, groupID, bus.Outgoing{Kind: bus.KindFile, Text: ref.Name, File: ref})
}

func (g *Group) Fetch(ctx context.Context, msg *Message, progress blob.Progress) ([]byte, error) {
	return fetch(ctx, g.blobs, msg, progress)
}

// History returns the stored messages of a joined group.
func (g *Group) History(groupID string) ([]*Message, error) {
	r, err := g.room(groupID)
	if err != nil {
		return nil, err
	}
	return r.history.Messages(), nil
}

func (g *Group) Subscribe() <-chan *Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listeners.add()
}

func (g *Group) Unsubscribe(ch <-chan *Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners.remove(ch)
}

// Close leaves every group and closes subscriber channels.
func (g *Group) Close() error {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[string]*room)
	g.listeners.closeAll()
	g.mu.Unlock()
	for _, r := range rooms {
		r.unsub()
	}
	return nil
}

func (g *Group) room(groupID string) (*room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, groupID)
	}
	return r, nil
}

func (g *Group) publish(ctx context.Context, groupID string, out bus.Outgoing) (*Message, error) {
	r, err := g.room(groupID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	name := g.name
	g.mu.RUnlock()
	if name != "" {
		out.Metadata = map[string]string{bus.MetaSenderName: name}
	}

	sent, err := g.bus.Publish(ctx, proto.GroupTopic(groupID), out)
	if err != nil {
		return nil, err
	}
	msg := fromBus(groupID, sent)
	g.store(ctx, r, msg)
	return msg, nil
}

// receive runs on the bus dispatch goroutine for the group's topic.
func (g *Group) receive(groupID string, m bus.Message) {
	if m.Kind == bus.KindLedger {
		return
	}
	ctx := context.Background()
	if g.members != nil && !g.members(ctx, groupID, m.From) {
		log.Debugf("dropping group %s message from non-member %s", groupID, util.ShortID(m.From))
		return
	}
	r, err := g.room(groupID)
	if err != nil {
		return
	}
	msg := fromBus(groupID, m)
	if msg.File != nil && msg.File.Owner == "" {
		msg.File.Owner = m.From
	}
	g.store(ctx, r, msg)
}

func (g *Group) store(ctx context.Context, r *room, msg *Message) {
	if err := r.history.append(ctx, msg); err != nil {
		log.Warnf("store group message %s: %v", util.ShortID(msg.ID), err)
	}
	g.mu.RLock()
	g.listeners.notify(msg)
	g.mu.RUnlock()
}

func fromBus(groupID string, m bus.Message) *Message {
	return &Message{
		ID:         m.ID,
		From:       m.From,
		SenderName: m.Metadata[bus.MetaSenderName],
		To:         groupID,
		Type:       MessageTypeGroup,
		Kind:       m.Kind,
		Content:    m.Text,
		File:       m.File,
		Timestamp:  m.TimestampMs,
	}
}
