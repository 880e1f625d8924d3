package negotiate

import "sync"

// serial runs queued funcs one at a time, in order, on its own goroutine.
// The queue is unbounded so callbacks that enqueue from inside a running
// func never block.
type serial struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerial() *serial {
	s := &serial{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go s.run()
	return s
}

// push enqueues fn; false once the serial has been stopped.
func (s *serial) push(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// stop rejects further pushes; already queued funcs still run.
func (s *serial) stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *serial) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			closed := s.closed
			s.mu.Unlock()

			for _, fn := range batch {
				fn()
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}
