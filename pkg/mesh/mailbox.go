package mesh

import "sync"

// mailbox is an unbounded FIFO of events feeding a channel, so producers
// never block on a slow consumer.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox) put(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops the mailbox; queued events that were not yet consumed are
// dropped and the output channel is closed.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		var (
			ev  Event
			has bool
		)
		if len(m.queue) > 0 {
			ev, has = m.queue[0], true
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
		}
		m.mu.Unlock()

		if !has {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}
