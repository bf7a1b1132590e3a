package call

import "sync"

// mailbox runs posted functions one at a time, in order, on its own
// goroutine.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	drain  bool
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.loop()
	return m
}

// post queues fn. It returns false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, fn)
	m.cond.Signal()
	return true
}

// close stops the mailbox. With drain set, already queued work still runs;
// otherwise it is discarded. close does not wait.
func (m *mailbox) close(drain bool) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.drain = drain
		if !drain {
			m.items = nil
		}
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *mailbox) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.items) == 0 || (m.closed && !m.drain) {
			m.mu.Unlock()
			return
		}
		fn := m.items[0]
		m.items[0] = nil
		m.items = m.items[1:]
		m.mu.Unlock()

		fn()
	}
}
