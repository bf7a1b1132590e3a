package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay is a minimal relay speaking the frame protocol. Responses are
// produced by respond; a nil respond answers 200 with an empty body.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server

	respond func(n int, req Frame) Frame

	requests atomic.Int64
	conns    atomic.Int64

	mu      sync.Mutex
	current *websocket.Conn
	seen    []Frame
	query   []string
	writeMu sync.Mutex
}

func newFakeRelay(t *testing.T, respond func(n int, req Frame) Frame) *fakeRelay {
	t.Helper()
	r := &fakeRelay{t: t, respond: respond}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/connect" {
			http.NotFound(w, req)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		n := r.conns.Add(1)
		r.mu.Lock()
		r.current = conn
		r.query = append(r.query, req.URL.RawQuery)
		r.mu.Unlock()

		r.write(conn, Frame{Type: FrameWelcome, ConnectionID: fmt.Sprintf("conn-%d", n), Endpoint: req.URL.Query().Get("endpoint")})
		r.serve(conn)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) write(conn *websocket.Conn, f Frame) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteJSON(f)
}

func (r *fakeRelay) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != FrameRequest {
			continue
		}
		n := int(r.requests.Add(1))
		r.mu.Lock()
		r.seen = append(r.seen, f)
		r.mu.Unlock()

		resp := Frame{Status: http.StatusOK}
		if r.respond != nil {
			resp = r.respond(n, f)
		}
		if resp.Type == "" && resp.Status == 0 {
			// Swallow the request.
			continue
		}
		resp.Type = FrameResponse
		resp.ID = f.ID
		r.write(conn, resp)
	}
}

// push sends an event frame on the current connection.
func (r *fakeRelay) push(class EventClass, data any) {
	r.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		r.t.Fatalf("marshal event: %v", err)
	}
	r.mu.Lock()
	conn := r.current
	r.mu.Unlock()
	if conn == nil {
		r.t.Fatalf("no relay connection")
	}
	r.write(conn, Frame{Type: FrameEvent, Event: class, Data: raw})
}

// drop closes the current connection from the relay side.
func (r *fakeRelay) drop() {
	r.mu.Lock()
	conn := r.current
	r.current = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (r *fakeRelay) seenRequests() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.seen...)
}

func stringBody(t *testing.T, v any) json.RawMessage {
	t.Helper()
	inner, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return outer
}

func dialFake(t *testing.T, r *fakeRelay, mutate func(*Config)) *Channel {
	t.Helper()
	cfg := Config{
		URL:                   r.url(),
		Endpoint:              "alice",
		APIKey:                "secret",
		RateLimitRetries:      3,
		RateLimitDefaultDelay: 10 * time.Millisecond,
		RequestTimeout:        2 * time.Second,
		ReconnectMinDelay:     10 * time.Millisecond,
		ReconnectMaxDelay:     50 * time.Millisecond,
		PingInterval:          time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
