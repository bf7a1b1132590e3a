package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

const messageTimeout = 10 * time.Second

var errQuit = errors.New("quit")

type registry interface {
	Call(remoteEndpoint string, l call.Listener) (*call.Session, error)
	Connect(remoteEndpoint string, l call.Listener) (*call.Session, error)
	Get(id string) (*call.Session, bool)
	Sessions() []*call.Session
}

type messenger interface {
	SendMessage(ctx context.Context, to, text string) error
}

// shell is the client's line-oriented command interface.
type shell struct {
	reg  registry
	msgs messenger
	dir  *directory.Directory
	log  *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func newShell(out io.Writer, reg registry, msgs messenger, dir *directory.Directory, logger *slog.Logger) *shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &shell{reg: reg, msgs: msgs, dir: dir, log: logger, out: out}
}

type command struct {
	name string
	args []string
	// rest is everything after the first argument, unsplit.
	rest string
}

func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return command{}, false
	}
	fields := strings.Fields(line)
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	if len(fields) > 2 {
		after := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		cmd.rest = strings.TrimSpace(strings.TrimPrefix(after, fields[1]))
	}
	return cmd, true
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format+"\n", args...)
}

// run executes commands read from r until EOF, quit or ctx is done.
func (sh *shell) run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			if err := sh.exec(ctx, cmd); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				sh.printf("error: %v", err)
			}
		}
	}
}

func (sh *shell) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "help":
		sh.printf("commands: call <endpoint> | connect <endpoint> | send <session> <text> | msg <endpoint> <text> | hangup <session> | sessions | who | quit")
		return nil
	case "quit", "exit":
		return errQuit
	case "call", "connect":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: %s <endpoint>", cmd.name)
		}
		start := sh.reg.Call
		if cmd.name == "connect" {
			start = sh.reg.Connect
		}
		s, err := start(cmd.args[0], sh.listener())
		if err != nil {
			return err
		}
		sh.printf("session %s: %s to %s", s.ID(), s.Mode(), s.RemoteEndpoint())
		return nil
	case "send":
		if len(cmd.args) < 2 {
			return errors.New("usage: send <session> <text>")
		}
		s, err := sh.session(cmd.args[0])
		if err != nil {
			return err
		}
		return s.SendData([]byte(cmd.rest))
	case "msg":
		if len(cmd.args) < 2 {
			return errors.New("usage: msg <endpoint> <text>")
		}
		mctx, cancel := context.WithTimeout(ctx, messageTimeout)
		defer cancel()
		return sh.msgs.SendMessage(mctx, cmd.args[0], cmd.rest)
	case "hangup":
		if len(cmd.args) != 1 {
			return errors.New("usage: hangup <session>")
		}
		s, err := sh.session(cmd.args[0])
		if err != nil {
			return err
		}
		s.Hangup()
		return nil
	case "sessions":
		sessions := sh.reg.Sessions()
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
		if len(sessions) == 0 {
			sh.printf("no sessions")
		}
		for _, s := range sessions {
			sh.printf("%s %s %s %s %s", s.ID(), s.Role(), s.Mode(), s.RemoteEndpoint(), s.State())
		}
		return nil
	case "who":
		endpoints := sh.dir.Endpoints()
		if len(endpoints) == 0 {
			sh.printf("nobody online")
		}
		for _, ep := range endpoints {
			sh.printf("%s (%d connections)", ep, len(sh.dir.Connections(ep)))
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd.name)
	}
}

func (sh *shell) session(id string) (*call.Session, error) {
	s, ok := sh.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("no session %q", id)
	}
	return s, nil
}

func (sh *shell) listener() call.Listener {
	return call.Listener{
		OnError: func(s *call.Session, err error) {
			sh.printf("[%s] error: %v", s.ID(), err)
		},
		OnHangup: func(s *call.Session, reason call.HangupReason) {
			sh.printf("[%s] hung up: %s", s.ID(), reason)
		},
		OnConnected: func(s *call.Session) {
			sh.printf("[%s] connected to %s", s.ID(), s.RemoteEndpoint())
		},
		OnTrack: func(s *call.Session, kind string) {
			sh.printf("[%s] remote %s track", s.ID(), kind)
		},
		OnDirectConnectionStarting: func(s *call.Session) {
			sh.printf("[%s] direct connection starting", s.ID())
		},
		OnDirectConnectionOpen: func(s *call.Session, dc media.DataChannel) {
			sh.printf("[%s] direct connection open (%s)", s.ID(), dc.Label())
		},
		OnDirectConnectionClosed: func(s *call.Session) {
			sh.printf("[%s] direct connection closed", s.ID())
		},
		OnDirectConnectionMessage: func(s *call.Session, data []byte, isText bool) {
			if isText {
				sh.printf("[%s] < %s", s.ID(), data)
				return
			}
			sh.printf("[%s] < %d bytes", s.ID(), len(data))
		},
	}
}

// accept takes every inbound session; use hangup to reject one.
func (sh *shell) accept(s *call.Session) {
	s.SetListener(sh.listener())
	sh.printf("incoming %s from %s: session %s", s.Mode(), s.RemoteEndpoint(), s.ID())
}

func (sh *shell) printMessage(ev transport.Event) {
	var msg transport.Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		sh.log.Debug("dropping malformed message event", "err", err)
		return
	}
	sh.printf("%s: %s", msg.From, msg.Text)
}

func (sh *shell) printChange(c directory.Change) {
	switch c.Kind {
	case directory.EndpointOnline:
		sh.printf("%s is online", c.Endpoint)
	case directory.EndpointOffline:
		sh.printf("%s went offline", c.Endpoint)
	}
}
