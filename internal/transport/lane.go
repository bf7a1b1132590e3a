package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// pendingRequest is one relay round trip waiting in the lane.
type pendingRequest struct {
	ctx     context.Context
	method  string
	path    string
	body    json.RawMessage
	retries int
	// notBefore delays dispatch; set for rate-limit retries and callers that
	// ask for a pre-dispatch delay.
	notBefore time.Time
	done      func(json.RawMessage, error)
}

// lane is the single-flight request FIFO. A request that has to be retried
// goes back to the head so later requests never overtake it.
type lane struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	items    []*pendingRequest
}

func newLane() *lane {
	l := &lane{}
	l.notEmpty = sync.NewCond(&l.mu)
	return l
}

// push appends req. It returns false once the lane is closed.
func (l *lane) push(req *pendingRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.items = append(l.items, req)
	l.notEmpty.Signal()
	return true
}

func (l *lane) pushFront(req *pendingRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.items = append(l.items, nil)
	copy(l.items[1:], l.items)
	l.items[0] = req
	l.notEmpty.Signal()
	return true
}

// pop blocks until a request is available or the lane is closed.
func (l *lane) pop() (*pendingRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.items) == 0 && !l.closed {
		l.notEmpty.Wait()
	}
	if l.closed {
		return nil, false
	}
	req := l.items[0]
	copy(l.items, l.items[1:])
	l.items[len(l.items)-1] = nil
	l.items = l.items[:len(l.items)-1]
	return req, true
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// close stops the lane and returns the requests that never ran.
func (l *lane) close() []*pendingRequest {
	l.mu.Lock()
	l.closed = true
	rest := l.items
	l.items = nil
	l.mu.Unlock()
	l.notEmpty.Broadcast()
	return rest
}
