package call

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/signal"
)

type queueMode int

const (
	queuePending queueMode = iota
	queueDrained
)

// candidateQueue holds candidates for one direction until the matching
// description has gone out (local) or been applied (remote). It is either
// Pending, holding candidates in arrival order, or Drained, after which every
// candidate is processed as it arrives.
type candidateQueue struct {
	mu      sync.Mutex
	mode    queueMode
	pending []signal.Candidate
	// seen is non-nil when duplicates must be dropped.
	seen map[string]struct{}
}

func newCandidateQueue(dedupe bool) *candidateQueue {
	q := &candidateQueue{}
	if dedupe {
		q.seen = make(map[string]struct{})
	}
	return q
}

// add queues cs while pending. Once drained, process runs with cs inside the
// queue's critical section so concurrent batches keep arrival order. It
// returns the candidates accepted after de-duplication and whether they were
// queued.
func (q *candidateQueue) add(cs []signal.Candidate, process func([]signal.Candidate)) (accepted int, queued bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fresh := cs
	if q.seen != nil {
		fresh = make([]signal.Candidate, 0, len(cs))
		for _, c := range cs {
			k := c.Key()
			if _, dup := q.seen[k]; dup {
				continue
			}
			q.seen[k] = struct{}{}
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return 0, q.mode == queuePending
	}
	if q.mode == queuePending {
		q.pending = append(q.pending, fresh...)
		return len(fresh), true
	}
	process(fresh)
	return len(fresh), false
}

// drain processes everything queued in arrival order and switches to Drained
// in the same critical section. Draining twice is a no-op.
func (q *candidateQueue) drain(process func([]signal.Candidate)) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.mode == queueDrained {
		return 0
	}
	pending := q.pending
	q.pending = nil
	q.mode = queueDrained
	if len(pending) > 0 {
		process(pending)
	}
	return len(pending)
}

func (q *candidateQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode == queueDrained
}
