// Package bus is topic publish/subscribe with at-most-once local delivery.
// A Transport moves opaque bytes (GossipSub in production); the Bus adds the
// JSON envelope, self-echo suppression, a TTL-bounded dedup cache and ordered
// listener fan-out.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("bus")

var (
	ErrPublishFailed = errors.New("publish failed")
	ErrClosed        = errors.New("bus closed")
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Delivery is one inbound transport message.
type Delivery struct {
	From string
	// Seqno is the transport's per-sender sequence number, if it has one.
	Seqno []byte
	Data  []byte
}

// Transport is the pub/sub overlay the Bus runs on.
type Transport interface {
	SelfID() string
	// Subscribe starts delivering topic messages to deliver until ctx ends.
	// deliver must not be called concurrently for the same topic.
	Subscribe(ctx context.Context, topic string, deliver func(Delivery)) error
	Publish(ctx context.Context, topic string, data []byte) error
}

// Listener receives messages for one topic.
type Listener func(Message)

// Options tunes dedup expiry. Zero values use the defaults.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type topicState struct {
	listeners []listenerEntry
	queue     *fanout
}

// Bus owns the dedup cache and listener registry for one process.
type Bus struct {
	transport Transport
	selfID    string
	sweepIntv time.Duration
	now       func() time.Time

	dedup *dedupCache

	subMu sync.Mutex // serializes transport subscriptions

	mu     sync.RWMutex
	topics map[string]*topicState
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus on top of t.
func New(t Transport, opts Options) *Bus {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		transport: t,
		selfID:    t.SelfID(),
		sweepIntv: opts.SweepInterval,
		now:       time.Now,
		dedup:     newDedupCache(opts.TTL),
		topics:    make(map[string]*topicState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SelfID returns the local sender id.
func (b *Bus) SelfID() string { return b.selfID }

// Subscribe registers fn for topic. The first subscription to a topic also
// subscribes the transport; the transport subscription stays until Close.
// The returned func removes only this listener.
func (b *Bus) Subscribe(ctx context.Context, topic string, fn Listener) (func(), error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{queue: newFanout()}
		b.topics[topic] = ts
	}
	b.mu.Unlock()

	if !ok {
		if err := ctx.Err(); err != nil {
			b.dropTopic(topic)
			return nil, err
		}
		if err := b.transport.Subscribe(b.ctx, topic, func(d Delivery) { b.deliver(topic, d) }); err != nil {
			b.dropTopic(topic)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ts.queue.run(b.ctx, func(m Message) { b.dispatch(topic, m) })
		}()
		log.Debugf("subscribed to %s", topic)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ts.listeners = append(ts.listeners, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeListener(topic, id) })
	}, nil
}

func (b *Bus) dropTopic(topic string) {
	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()
}

func (b *Bus) removeListener(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		return
	}
	for i, l := range ts.listeners {
		if l.id == id {
			ts.listeners = append(ts.listeners[:i:i], ts.listeners[i+1:]...)
			return
		}
	}
}

// Publish stamps and transmits a message. The assigned id is recorded in the
// dedup cache so the transport's echo is never delivered locally.
func (b *Bus) Publish(ctx context.Context, topic string, out Outgoing) (Message, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return Message{}, ErrClosed
	}

	msg := Message{
		ID:          out.ID,
		Topic:       topic,
		From:        b.selfID,
		Text:        out.Text,
		TimestampMs: b.now().UnixMilli(),
		Kind:        out.Kind,
		File:        out.File,
		Metadata:    out.Metadata,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}

	data, err := encodeEnvelope(msg)
	if err != nil {
		return Message{}, fmt.Errorf("%w: encode: %w", ErrPublishFailed, err)
	}
	if err := b.transport.Publish(ctx, topic, data); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	b.dedup.insert(idKey(topic, msg.ID), b.now())

	log.Debugf("published %s on %s", util.ShortID(msg.ID), topic)
	return msg, nil
}

// deliver runs on the transport's goroutine and must not block.
func (b *Bus) deliver(topic string, d Delivery) {
	if d.From == b.selfID {
		return
	}

	msg := decodeEnvelope(d.Data)
	msg.Topic = topic
	msg.From = d.From
	now := b.now()
	if msg.TimestampMs == 0 {
		msg.TimestampMs = now.UnixMilli()
	}
	if msg.Raw {
		log.Debugf("non-envelope payload on %s from %s, delivering as text", topic, util.ShortID(d.From))
	}

	if !b.dedup.firstSeen(dedupKey(topic, d, msg), now) {
		log.Debugf("duplicate on %s from %s dropped", topic, util.ShortID(d.From))
		return
	}

	b.mu.RLock()
	ts := b.topics[topic]
	b.mu.RUnlock()
	if ts == nil {
		return
	}
	ts.queue.push(msg)
}

// dispatch calls the topic's listeners in registration order.
func (b *Bus) dispatch(topic string, m Message) {
	b.mu.RLock()
	ts := b.topics[topic]
	var ls []listenerEntry
	if ts != nil {
		ls = make([]listenerEntry, len(ts.listeners))
		copy(ls, ts.listeners)
	}
	b.mu.RUnlock()

	for _, l := range ls {
		l.fn(m)
	}
}

// Sweep removes dedup entries older than the TTL.
func (b *Bus) Sweep(now time.Time) int {
	return b.dedup.sweep(now)
}

// Run sweeps the dedup cache every sweep interval until ctx ends or the bus
// is closed.
func (b *Bus) Run(ctx context.Context) {
	t := time.NewTicker(b.sweepIntv)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case <-t.C:
			if n := b.Sweep(b.now()); n > 0 {
				log.Debugf("swept %d dedup entries", n)
			}
		}
	}
}

// Close stops fan-out and ends every transport subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
