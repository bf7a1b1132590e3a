package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want command
	}{
		{line: "", ok: false},
		{line: "   ", ok: false},
		{line: "# comment", ok: false},
		{line: "who", ok: true, want: command{name: "who", args: []string{}}},
		{line: "CALL bob", ok: true, want: command{name: "call", args: []string{"bob"}}},
		{
			line: "msg bob  hello   there ",
			ok:   true,
			want: command{name: "msg", args: []string{"bob", "hello", "there"}, rest: "hello   there"},
		},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.line)
		if ok != tt.ok {
			t.Fatalf("parseCommand(%q) ok = %v, want %v", tt.line, ok, tt.ok)
		}
		if ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

type fakeRegistry struct {
	err error
}

func (r *fakeRegistry) Call(string, call.Listener) (*call.Session, error)    { return nil, r.err }
func (r *fakeRegistry) Connect(string, call.Listener) (*call.Session, error) { return nil, r.err }
func (r *fakeRegistry) Get(string) (*call.Session, bool)                     { return nil, false }
func (r *fakeRegistry) Sessions() []*call.Session                            { return nil }

type fakeMessenger struct {
	mu   sync.Mutex
	sent []transport.Message
}

func (m *fakeMessenger) SendMessage(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, transport.Message{To: to, Text: text})
	return nil
}

func newTestShell(reg registry) (*shell, *fakeMessenger, *directory.Directory, *bytes.Buffer) {
	var out bytes.Buffer
	msgs := &fakeMessenger{}
	dir := directory.New(nil)
	return newShell(&out, reg, msgs, dir, nil), msgs, dir, &out
}

func TestShellRun(t *testing.T) {
	sh, msgs, dir, out := newTestShell(&fakeRegistry{err: call.ErrRegistryClosed})

	data, _ := json.Marshal(transport.Presence{Endpoint: "bob", ConnectionID: "b1"})
	dir.HandleEvent(transport.Event{Class: transport.EventJoin, Data: data})

	input := strings.Join([]string{
		"msg bob hi bob",
		"who",
		"call carol",
		"hangup nope",
		"frobnicate",
		"quit",
		"msg bob never sent",
	}, "\n")
	if err := sh.run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []transport.Message{{To: "bob", Text: "hi bob"}}
	if !reflect.DeepEqual(msgs.sent, want) {
		t.Fatalf("sent = %+v, want %+v", msgs.sent, want)
	}
	got := out.String()
	for _, line := range []string{
		"bob (1 connections)",
		"error: " + call.ErrRegistryClosed.Error(),
		`error: no session "nope"`,
		`error: unknown command "frobnicate"`,
	} {
		if !strings.Contains(got, line) {
			t.Fatalf("output missing %q:\n%s", line, got)
		}
	}
}

func TestShellRunStopsAtEOF(t *testing.T) {
	sh, _, _, out := newTestShell(&fakeRegistry{})
	if err := sh.run(context.Background(), strings.NewReader("sessions\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "no sessions") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestShellRunStopsOnCancel(t *testing.T) {
	sh, _, _, _ := newTestShell(&fakeRegistry{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()
	if err := sh.run(ctx, r); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestShellPrintsMessagesAndPresence(t *testing.T) {
	sh, _, _, out := newTestShell(&fakeRegistry{})
	data, _ := json.Marshal(transport.Message{From: "bob", Text: "hello"})
	sh.printMessage(transport.Event{Class: transport.EventMessage, Data: data})
	sh.printMessage(transport.Event{Class: transport.EventMessage, Data: json.RawMessage(`{`)})
	sh.printChange(directory.Change{Kind: directory.EndpointOffline, Endpoint: "bob"})

	if got, want := out.String(), "bob: hello\nbob went offline\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestShellUsageErrors(t *testing.T) {
	sh, _, _, _ := newTestShell(&fakeRegistry{})
	for _, line := range []string{"call", "connect a b", "send x", "msg bob", "hangup"} {
		cmd, _ := parseCommand(line)
		err := sh.exec(context.Background(), cmd)
		if err == nil || !strings.HasPrefix(err.Error(), "usage:") {
			t.Fatalf("exec(%q) err = %v, want usage error", line, err)
		}
	}
	if err := sh.exec(context.Background(), command{name: "quit"}); !errors.Is(err, errQuit) {
		t.Fatalf("quit err = %v", err)
	}
}
