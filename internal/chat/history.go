package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petervdpas/goopchat/internal/storage"
	"github.com/petervdpas/goopchat/internal/util"
)

// KV is the local string store histories persist into. storage.DB
// satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const DefaultHistorySize = 100

// History is a bounded, persisted message log for one conversation.
type History struct {
	kv  KV
	key string
	buf *util.RingBuffer[*Message]
}

func newHistory(kv KV, key string, size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{kv: kv, key: key, buf: util.NewRingBuffer[*Message](size)}
}

func (h *History) load(ctx context.Context) error {
	raw, err := h.kv.Get(ctx, h.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var msgs []*Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return fmt.Errorf("decode history %s: %w", h.key, err)
	}
	h.buf.Reset(msgs)
	return nil
}

// append stores msg and writes the whole window back.
func (h *History) append(ctx context.Context, msg *Message) error {
	h.buf.Push(msg)
	b, err := json.Marshal(h.buf.Snapshot())
	if err != nil {
		return err
	}
	return h.kv.Set(ctx, h.key, string(b))
}

func (h *History) clear(ctx context.Context) error {
	h.buf.Reset(nil)
	err := h.kv.Delete(ctx, h.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Messages returns the window, oldest first.
func (h *History) Messages() []*Message { return h.buf.Snapshot() }

// listeners is the non-blocking fan-out both chat kinds share.
type listeners struct {
	chans []chan *Message
}

func (l *listeners) add() chan *Message {
	ch := make(chan *Message, 16)
	l.chans = append(l.chans, ch)
	return ch
}

func (l *listeners) remove(ch <-chan *Message) {
	for i, listener := range l.chans {
		if listener == ch {
			close(listener)
			l.chans = append(l.chans[:i], l.chans[i+1:]...)
			return
		}
	}
}

func (l *listeners) notify(msg *Message) {
	for _, ch := range l.chans {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (l *listeners) closeAll() {
	for _, ch := range l.chans {
		close(ch)
	}
	l.chans = nil
}
