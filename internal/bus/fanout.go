package bus

import (
	"context"
	"sync"
)

// fanout is an unbounded FIFO drained by one goroutine, so a slow listener
// delays later messages on its topic but never the transport.
type fanout struct {
	mu      sync.Mutex
	pending []Message
	wake    chan struct{}
}

func newFanout() *fanout {
	return &fanout{wake: make(chan struct{}, 1)}
}

func (f *fanout) push(m Message) {
	f.mu.Lock()
	f.pending = append(f.pending, m)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fanout) run(ctx context.Context, handle func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			batch := f.pending
			f.pending = nil
			f.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, m := range batch {
				if ctx.Err() != nil {
					return
				}
				handle(m)
			}
		}
	}
}
