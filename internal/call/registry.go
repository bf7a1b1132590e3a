// Package call runs call sessions: the offer/answer/candidate exchange with a
// remote endpoint over the relay, and the registry that routes inbound
// signals to them.
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/signal"
)

// Signaler is the relay surface sessions need. *transport.Channel satisfies
// it.
type Signaler interface {
	SendSignal(to, toConnection string, s signal.Signal, done func(error)) error
	Request(ctx context.Context, method, path string, body any) (json.RawMessage, error)
	Endpoint() string
	ConnectionID() string
}

type Config struct {
	Signaler Signaler
	Factory  media.Factory
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	PreferredAudioCodec string
	// Video adds a video section to call (not direct) sessions.
	Video bool

	// ICEServers are always offered; relay-issued TURN credentials are added
	// unless DisableTURN is set.
	ICEServers  []webrtc.ICEServer
	DisableTURN bool

	// ConnectTimeout hangs up sessions that have not connected in time. Zero
	// disables it.
	ConnectTimeout time.Duration
}

// Registry owns every live session, keyed by session id.
type Registry struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	notifier *mailbox
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	incomingMu sync.RWMutex
	incoming   []func(*Session)

	turn turnCache
}

func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		log:      logger.With("component", "call"),
		metrics:  cfg.Metrics,
		notifier: newMailbox(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// OnIncoming registers fn for inbound sessions. It runs on the notifier
// goroutine before any notification of that session, so it can install the
// session's listener with SetListener or reject it with Hangup.
func (r *Registry) OnIncoming(fn func(*Session)) {
	r.incomingMu.Lock()
	r.incoming = append(r.incoming, fn)
	r.incomingMu.Unlock()
}

// Call starts an outbound audio call to remoteEndpoint.
func (r *Registry) Call(remoteEndpoint string, l Listener) (*Session, error) {
	return r.startOutbound(remoteEndpoint, ModeCall, l)
}

// Connect starts an outbound direct connection (data channel only).
func (r *Registry) Connect(remoteEndpoint string, l Listener) (*Session, error) {
	return r.startOutbound(remoteEndpoint, ModeDirect, l)
}

func (r *Registry) startOutbound(remoteEndpoint string, mode Mode, l Listener) (*Session, error) {
	remoteEndpoint = strings.TrimSpace(remoteEndpoint)
	if remoteEndpoint == "" {
		return nil, ErrInvalidEndpoint
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	s := newSession(r, uuid.NewString(), RoleCaller, mode, remoteEndpoint, "", l)
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionCreated)
	s.log.Info("starting outbound session")
	s.start(nil)
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// HandleSignalEvent parses the data of a relay signal event and routes it.
// Malformed payloads are logged and dropped.
func (r *Registry) HandleSignalEvent(data json.RawMessage) {
	in, err := signal.ParseInbound(data)
	if err != nil {
		r.metrics.Inc(metrics.SignalDropped)
		r.log.Warn("dropping malformed signal", "err", err)
		return
	}
	r.HandleSignal(in)
}

// HandleSignal routes a parsed signal to its session. An offer for an unknown
// session creates an inbound session.
func (r *Registry) HandleSignal(in signal.Inbound) {
	r.metrics.Inc(metrics.SignalReceived)
	if in.Header.From == r.cfg.Signaler.Endpoint() && in.Header.FromConnection == r.cfg.Signaler.ConnectionID() {
		r.metrics.Inc(metrics.SignalDropped)
		return
	}

	id := in.Signal.SessionID
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.Inc(metrics.SignalDropped)
		return
	}
	s, ok := r.sessions[id]
	if ok {
		r.mu.Unlock()
		if s.mode.target() != in.Signal.Target {
			r.metrics.Inc(metrics.SignalDropped)
			s.log.Warn("dropping signal with mismatched target", "target", string(in.Signal.Target))
			return
		}
		s.receive(in)
		return
	}
	if in.Signal.SignalType != signal.TypeOffer {
		r.mu.Unlock()
		r.metrics.Inc(metrics.SignalDropped)
		r.log.Debug("dropping signal for unknown session",
			"session_id", id, "signal_type", string(in.Signal.SignalType), "remote_endpoint", in.Header.From)
		return
	}
	s = newSession(r, id, RoleCallee, modeFromTarget(in.Signal.Target), in.Header.From, in.Header.FromConnection, Listener{})
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionCreated)
	s.log.Info("incoming session", "remote_connection", in.Header.FromConnection)

	r.incomingMu.RLock()
	handlers := make([]func(*Session), len(r.incoming))
	copy(handlers, r.incoming)
	r.incomingMu.RUnlock()
	r.notifier.post(func() {
		for _, fn := range handlers {
			fn(s)
		}
	})

	offer := in.Signal
	s.start(&offer)
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// Close hangs up every session and stops routing. Pending notifications are
// still delivered.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.hangup(HangupShutdown, true)
	}
	r.notifier.close(true)
}
