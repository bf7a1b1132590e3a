package transport

import (
	"context"
	"testing"
	"time"
)

func req(path string) *pendingRequest {
	return &pendingRequest{ctx: context.Background(), path: path}
}

func TestLane_PushFrontJumpsQueue(t *testing.T) {
	l := newLane()
	l.push(req("/a"))
	l.push(req("/b"))
	l.pushFront(req("/retry"))

	var got []string
	for l.len() > 0 {
		r, ok := l.pop()
		if !ok {
			t.Fatalf("pop on open lane failed")
		}
		got = append(got, r.path)
	}
	want := []string{"/retry", "/a", "/b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v, want %v", got, want)
		}
	}
}

func TestLane_CloseReturnsLeftoversAndUnblocks(t *testing.T) {
	l := newLane()
	popped := make(chan bool, 1)
	go func() {
		_, ok := l.pop()
		popped <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	if rest := l.close(); len(rest) != 0 {
		t.Fatalf("leftovers=%d, want 0", len(rest))
	}
	select {
	case ok := <-popped:
		if ok {
			t.Fatalf("pop returned a request from a closed lane")
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not unblock on close")
	}

	if l.push(req("/late")) || l.pushFront(req("/late")) {
		t.Fatalf("push accepted after close")
	}
}

func TestLane_CloseHandsBackQueued(t *testing.T) {
	l := newLane()
	l.push(req("/a"))
	l.push(req("/b"))
	rest := l.close()
	if len(rest) != 2 || rest[0].path != "/a" || rest[1].path != "/b" {
		t.Fatalf("leftovers=%v", rest)
	}
}
