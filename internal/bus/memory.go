package bus

import (
	"context"
	"encoding/binary"
	"sync"
)

// MemoryNetwork is an in-process Transport fabric. Like GossipSub it echoes a
// publisher's own messages back to it and stamps a per-sender sequence number.
type MemoryNetwork struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
	seq  map[string]uint64
}

type memorySub struct {
	deliver func(Delivery)
	mu      sync.Mutex // serializes deliver per subscription
	dead    bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		subs: make(map[string][]*memorySub),
		seq:  make(map[string]uint64),
	}
}

// Transport returns a Transport attached to the network as selfID.
func (n *MemoryNetwork) Transport(selfID string) *MemoryTransport {
	return &MemoryTransport{net: n, self: selfID}
}

// MemoryTransport is one participant of a MemoryNetwork.
type MemoryTransport struct {
	net  *MemoryNetwork
	self string
}

func (t *MemoryTransport) SelfID() string { return t.self }

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, deliver func(Delivery)) error {
	s := &memorySub{deliver: deliver}
	t.net.mu.Lock()
	t.net.subs[topic] = append(t.net.subs[topic], s)
	t.net.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.dead = true
		s.mu.Unlock()

		t.net.mu.Lock()
		defer t.net.mu.Unlock()
		subs := t.net.subs[topic]
		for i, x := range subs {
			if x == s {
				t.net.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}()
	return nil
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.net.mu.Lock()
	t.net.seq[t.self]++
	seqno := make([]byte, 8)
	binary.BigEndian.PutUint64(seqno, t.net.seq[t.self])
	subs := append([]*memorySub(nil), t.net.subs[topic]...)
	t.net.mu.Unlock()

	for _, s := range subs {
		d := Delivery{From: t.self, Seqno: seqno, Data: append([]byte(nil), data...)}
		s.mu.Lock()
		if !s.dead {
			s.deliver(d)
		}
		s.mu.Unlock()
	}
	return nil
}
