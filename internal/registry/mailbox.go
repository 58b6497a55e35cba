package registry

import "sync"

// mailbox is an unbounded FIFO drained by its own goroutine. push never
// blocks, so a slow consumer only grows its own backlog.
type mailbox[T any] struct {
	deliver func(T)

	mu          sync.Mutex
	queue       []T
	undelivered int // queued plus the rest of the batch being delivered
	closed      bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func newMailbox[T any](deliver func(T)) *mailbox[T] {
	m := &mailbox[T]{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// push reports false once the mailbox is stopped.
func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.undelivered++
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox[T]) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				select {
				case <-m.quit:
					return
				default:
				}
				m.deliver(v)
				m.mu.Lock()
				if !m.closed {
					m.undelivered--
				}
				m.mu.Unlock()
			}
		}
	}
}

// backlog reports the number of items not yet delivered, counting the one
// in delivery.
func (m *mailbox[T]) backlog() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undelivered
}

// stop discards pending items. A delivery already in progress completes.
// It does not wait, so it is safe to call from the delivery callback.
func (m *mailbox[T]) stop() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.undelivered = 0
	m.mu.Unlock()
	m.quitOnce.Do(func() { close(m.quit) })
}

// wait blocks until the drain goroutine has exited.
func (m *mailbox[T]) wait() { <-m.done }
