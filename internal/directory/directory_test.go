package directory

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

func event(t *testing.T, class transport.EventClass, p transport.Presence) transport.Event {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return transport.Event{Class: class, Data: data}
}

type changeLog struct {
	mu  sync.Mutex
	got []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	l.got = append(l.got, c)
	l.mu.Unlock()
}

func (l *changeLog) snapshot() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.got...)
}

func TestJoinLeave(t *testing.T) {
	d := New(nil)
	start := time.Unix(1700000000, 0)
	d.now = func() time.Time { return start }
	var log changeLog
	d.OnChange(log.record)

	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b2"}))
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b1"}))
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "carol", ConnectionID: "c1"}))

	if got, want := d.Endpoints(), []string{"bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Endpoints = %v, want %v", got, want)
	}
	if got, want := d.Connections("bob"), []string{"b1", "b2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Connections(bob) = %v, want %v", got, want)
	}
	entry, ok := d.Lookup("bob")
	if !ok || !entry.Since.Equal(start) || entry.Endpoint != "bob" {
		t.Fatalf("Lookup(bob) = %+v, %v", entry, ok)
	}

	d.HandleEvent(event(t, transport.EventLeave, transport.Presence{Endpoint: "bob", ConnectionID: "b1"}))
	if got := d.Connections("bob"); !reflect.DeepEqual(got, []string{"b2"}) {
		t.Fatalf("Connections(bob) after leave = %v", got)
	}
	d.HandleEvent(event(t, transport.EventLeave, transport.Presence{Endpoint: "bob", ConnectionID: "b2"}))
	if _, ok := d.Lookup("bob"); ok {
		t.Fatalf("bob still listed after last connection left")
	}
	if got := d.Connections("bob"); got != nil {
		t.Fatalf("Connections(bob) = %v, want nil", got)
	}

	want := []Change{
		{Kind: EndpointOnline, Endpoint: "bob"},
		{Kind: EndpointOnline, Endpoint: "carol"},
		{Kind: EndpointOffline, Endpoint: "bob"},
	}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("changes = %+v, want %+v", got, want)
	}
}

func TestLeaveWithoutConnectionRemovesEndpoint(t *testing.T) {
	d := New(nil)
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b1"}))
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b2"}))
	d.HandleEvent(event(t, transport.EventLeave, transport.Presence{Endpoint: "bob"}))
	if len(d.Endpoints()) != 0 {
		t.Fatalf("Endpoints = %v, want none", d.Endpoints())
	}
}

func TestPresenceReplacesConnections(t *testing.T) {
	d := New(nil)
	var log changeLog
	d.OnChange(log.record)

	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b1"}))
	d.HandleEvent(event(t, transport.EventPresence, transport.Presence{Endpoint: "bob", Connections: []string{"b3", "b2"}}))
	if got, want := d.Connections("bob"), []string{"b2", "b3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Connections(bob) = %v, want %v", got, want)
	}
	d.HandleEvent(event(t, transport.EventPresence, transport.Presence{Endpoint: "bob"}))
	if _, ok := d.Lookup("bob"); ok {
		t.Fatalf("empty presence snapshot should take bob offline")
	}
	if got := len(log.snapshot()); got != 2 {
		t.Fatalf("got %d changes, want 2 (online, offline)", got)
	}
}

func TestMalformedEventsIgnored(t *testing.T) {
	d := New(nil)
	d.HandleEvent(transport.Event{Class: transport.EventJoin, Data: json.RawMessage(`not json`)})
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{ConnectionID: "x"}))
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob"}))
	if len(d.Endpoints()) != 0 {
		t.Fatalf("Endpoints = %v, want none", d.Endpoints())
	}
}

type fakeSource struct {
	mu   sync.Mutex
	subs map[transport.EventClass][]func(transport.Event)
	body json.RawMessage
	err  error
	reqs int
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[transport.EventClass][]func(transport.Event))}
}

func (s *fakeSource) Subscribe(class transport.EventClass, fn func(transport.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[class] = append(s.subs[class], fn)
	idx := len(s.subs[class]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[class][idx] = nil
	}
}

func (s *fakeSource) Request(_ context.Context, method, path string, _ any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if method != "GET" || path != transport.PathPresence {
		return nil, errors.New("unexpected request")
	}
	s.reqs++
	return s.body, s.err
}

func (s *fakeSource) publish(ev transport.Event) {
	s.mu.Lock()
	subs := make([]func(transport.Event), len(s.subs[ev.Class]))
	copy(subs, s.subs[ev.Class])
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}

func (s *fakeSource) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs
}

func presenceBody(t *testing.T, list transport.PresenceList) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestRefreshReplacesEverything(t *testing.T) {
	d := New(nil)
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "stale", ConnectionID: "s1"}))
	d.HandleEvent(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b1"}))

	src := newFakeSource()
	src.body = presenceBody(t, transport.PresenceList{Endpoints: []transport.Presence{
		{Endpoint: "bob", Connections: []string{"b2"}},
		{Endpoint: "carol", Connections: []string{"c1"}},
	}})
	if err := d.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got, want := d.Endpoints(), []string{"bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Endpoints = %v, want %v", got, want)
	}
	if got := d.Connections("bob"); !reflect.DeepEqual(got, []string{"b2"}) {
		t.Fatalf("Connections(bob) = %v", got)
	}
}

func TestRefreshError(t *testing.T) {
	d := New(nil)
	src := newFakeSource()
	src.err = transport.ErrNotConnected
	if err := d.Refresh(context.Background(), src); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Refresh err = %v, want ErrNotConnected", err)
	}
}

func TestAttach(t *testing.T) {
	d := New(nil)
	src := newFakeSource()
	src.body = presenceBody(t, transport.PresenceList{Endpoints: []transport.Presence{
		{Endpoint: "carol", Connections: []string{"c1"}},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	detach := d.Attach(ctx, src)

	src.publish(event(t, transport.EventJoin, transport.Presence{Endpoint: "bob", ConnectionID: "b1"}))
	if got := d.Connections("bob"); !reflect.DeepEqual(got, []string{"b1"}) {
		t.Fatalf("Connections(bob) = %v", got)
	}

	src.publish(transport.Event{Class: transport.EventReconnect, Data: json.RawMessage(`{"connectionId":"a2"}`)})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(d.Endpoints(), []string{"carol"}) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := d.Endpoints(); !reflect.DeepEqual(got, []string{"carol"}) {
		t.Fatalf("Endpoints after reconnect = %v, want [carol]", got)
	}
	if src.requests() != 1 {
		t.Fatalf("presence requests = %d, want 1", src.requests())
	}

	detach()
	src.publish(event(t, transport.EventJoin, transport.Presence{Endpoint: "dave", ConnectionID: "d1"}))
	if _, ok := d.Lookup("dave"); ok {
		t.Fatalf("event delivered after detach")
	}
}
