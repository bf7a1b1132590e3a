package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/signal"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

const testSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const waitTimeout = 5 * time.Second

// fakeEngine records what a session asks of the media engine and lets tests
// raise engine events.
type fakeEngine struct {
	opts        media.Options
	h           media.Handlers
	autoConnect bool
	// offerEntered and offerRelease, when set, park CreateOffer until the
	// test lets it return.
	offerEntered chan<- struct{}
	offerRelease <-chan struct{}

	mu        sync.Mutex
	calls     []string
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	applied   []string
	closed    bool
	connected bool
}

func (e *fakeEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	if e.offerRelease != nil {
		e.offerEntered <- struct{}{}
		<-e.offerRelease
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create_offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (e *fakeEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (e *fakeEngine) SetLocalDescription(d webrtc.SessionDescription) error {
	e.mu.Lock()
	e.record("set_local_" + d.Type.String())
	e.local = &d
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *fakeEngine) SetRemoteDescription(d webrtc.SessionDescription) error {
	e.mu.Lock()
	e.record("set_remote_" + d.Type.String())
	e.remote = &d
	e.mu.Unlock()
	e.maybeConnect()
	return nil
}

func (e *fakeEngine) maybeConnect() {
	e.mu.Lock()
	fire := e.autoConnect && !e.connected && e.local != nil && e.remote != nil
	if fire {
		e.connected = true
	}
	e.mu.Unlock()
	if fire {
		go e.h.OnConnectionState(media.StateConnected)
	}
}

func (e *fakeEngine) HasLocalDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local != nil
}

func (e *fakeEngine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote != nil
}

func (e *fakeEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return errors.New("remote description not set")
	}
	e.record("add_candidate")
	e.applied = append(e.applied, c.Candidate)
	return nil
}

func (e *fakeEngine) CreateDataChannel(label string) (media.DataChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("create_data_channel")
	return &fakeChannel{label: label}, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) appliedCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.applied...)
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) emitCandidate(c string) {
	mid := "0"
	e.h.OnCandidate(webrtc.ICECandidateInit{Candidate: c, SDPMid: &mid})
}

type fakeChannel struct {
	label string

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) SendText(text string) error { return c.Send([]byte(text)) }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeFactory struct {
	autoConnect  bool
	created      chan *fakeEngine
	offerEntered chan struct{}
	offerRelease chan struct{}
}

func newFakeFactory(autoConnect bool) *fakeFactory {
	return &fakeFactory{autoConnect: autoConnect, created: make(chan *fakeEngine, 16)}
}

func (f *fakeFactory) NewEngine(opts media.Options, h media.Handlers) (media.Engine, error) {
	e := &fakeEngine{opts: opts, h: h, autoConnect: f.autoConnect}
	if f.offerRelease != nil {
		e.offerEntered = f.offerEntered
		e.offerRelease = f.offerRelease
	}
	f.created <- e
	return e, nil
}

// holdOffers makes CreateOffer on engines created from now on block until
// offerRelease is closed.
func (f *fakeFactory) holdOffers() {
	f.offerEntered = make(chan struct{}, 1)
	f.offerRelease = make(chan struct{})
}

func (f *fakeFactory) next(t *testing.T) *fakeEngine {
	t.Helper()
	return recv(t, "engine", f.created)
}

type sentSignal struct {
	To           string
	ToConnection string
	Signal       signal.Signal
}

// fakeSignaler records outbound signals. Sends of held types complete only
// on release; route, when set, delivers each send.
type fakeSignaler struct {
	endpoint string
	connID   string

	mu        sync.Mutex
	sent      []sentSignal
	hold      map[signal.Type]bool
	held      []func()
	sendErr   map[signal.Type]error
	turnBody  json.RawMessage
	turnErr   error
	turnCalls int
	route     func(sentSignal)

	sentCh chan sentSignal
}

func newFakeSignaler(endpoint, connID string) *fakeSignaler {
	return &fakeSignaler{
		endpoint: endpoint,
		connID:   connID,
		hold:     map[signal.Type]bool{},
		sendErr:  map[signal.Type]error{},
		turnErr:  errors.New("no turn configured"),
		sentCh:   make(chan sentSignal, 1024),
	}
}

func (f *fakeSignaler) Endpoint() string     { return f.endpoint }
func (f *fakeSignaler) ConnectionID() string { return f.connID }

func (f *fakeSignaler) SendSignal(to, toConnection string, s signal.Signal, done func(error)) error {
	f.mu.Lock()
	if err := f.sendErr[s.SignalType]; err != nil {
		f.mu.Unlock()
		return err
	}
	rec := sentSignal{To: to, ToConnection: toConnection, Signal: s}
	f.sent = append(f.sent, rec)
	complete := func() {
		if done != nil {
			done(nil)
		}
	}
	held := f.hold[s.SignalType]
	if held {
		f.held = append(f.held, complete)
	}
	route := f.route
	f.mu.Unlock()

	select {
	case f.sentCh <- rec:
	default:
	}
	if route != nil {
		route(rec)
	}
	if !held {
		complete()
	}
	return nil
}

func (f *fakeSignaler) Request(_ context.Context, method, path string, _ any) (json.RawMessage, error) {
	if method != "GET" || path != transport.PathTURN {
		return nil, fmt.Errorf("unexpected request %s %s", method, path)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnCalls++
	return f.turnBody, f.turnErr
}

// release completes every held send.
func (f *fakeSignaler) release() {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

func (f *fakeSignaler) sentOfType(typ signal.Type) []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentSignal
	for _, s := range f.sent {
		if s.Signal.SignalType == typ {
			out = append(out, s)
		}
	}
	return out
}

// next returns the next recorded signal of typ, skipping others.
func (f *fakeSignaler) next(t *testing.T, typ signal.Type) sentSignal {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-f.sentCh:
			if s.Signal.SignalType == typ {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s signal", typ)
		}
	}
}

// signalEvent encodes s the way the relay delivers it.
func signalEvent(t *testing.T, from, fromConnection string, s signal.Signal) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(s)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{
		"header": signal.Header{From: from, FromConnection: fromConnection},
		"body":   string(body),
	})
	require.NoError(t, err)
	return data
}

// switchboard connects registries in memory, standing in for the relay.
type switchboard struct {
	t     *testing.T
	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	sig     *fakeSignaler
	reg     *Registry
	factory *fakeFactory
	metrics *metrics.Metrics
}

func newSwitchboard(t *testing.T) *switchboard {
	return &switchboard{t: t}
}

func (b *switchboard) join(endpoint, connID string, factory media.Factory) *peer {
	sig := newFakeSignaler(endpoint, connID)
	m := metrics.New()
	reg := NewRegistry(Config{
		Signaler:            sig,
		Factory:             factory,
		Metrics:             m,
		PreferredAudioCodec: "opus",
		DisableTURN:         true,
	})
	b.t.Cleanup(reg.Close)
	p := &peer{sig: sig, reg: reg, metrics: m}
	if ff, ok := factory.(*fakeFactory); ok {
		p.factory = ff
	}
	sig.route = func(s sentSignal) { b.deliver(p, s) }

	b.mu.Lock()
	b.peers = append(b.peers, p)
	b.mu.Unlock()
	return p
}

func (b *switchboard) deliver(from *peer, s sentSignal) {
	data := signalEvent(b.t, from.sig.endpoint, from.sig.connID, s.Signal)
	b.mu.Lock()
	peers := append([]*peer(nil), b.peers...)
	b.mu.Unlock()
	for _, p := range peers {
		if p == from || p.sig.endpoint != s.To {
			continue
		}
		if s.ToConnection != "" && p.sig.connID != s.ToConnection {
			continue
		}
		p.reg.HandleSignalEvent(data)
	}
}

// recorder captures listener callbacks.
type recorder struct {
	errs      chan error
	hangups   chan HangupReason
	connected chan struct{}
	starting  chan struct{}
	opened    chan media.DataChannel
	closed    chan struct{}
	messages  chan string
	events    chan string
}

func newRecorder() *recorder {
	return &recorder{
		errs:      make(chan error, 16),
		hangups:   make(chan HangupReason, 16),
		connected: make(chan struct{}, 16),
		starting:  make(chan struct{}, 16),
		opened:    make(chan media.DataChannel, 16),
		closed:    make(chan struct{}, 16),
		messages:  make(chan string, 16),
		events:    make(chan string, 64),
	}
}

func (r *recorder) listener() Listener {
	return Listener{
		OnError: func(_ *Session, err error) {
			r.events <- "error"
			r.errs <- err
		},
		OnHangup: func(_ *Session, reason HangupReason) {
			r.events <- "hangup"
			r.hangups <- reason
		},
		OnConnected: func(*Session) {
			r.events <- "connected"
			r.connected <- struct{}{}
		},
		OnDirectConnectionStarting: func(*Session) {
			r.events <- "starting"
			r.starting <- struct{}{}
		},
		OnDirectConnectionOpen: func(_ *Session, dc media.DataChannel) {
			r.events <- "open"
			r.opened <- dc
		},
		OnDirectConnectionClosed: func(*Session) {
			r.events <- "closed"
			r.closed <- struct{}{}
		},
		OnDirectConnectionMessage: func(_ *Session, data []byte, _ bool) {
			r.messages <- string(data)
		},
	}
}

func recv[T any](t *testing.T, what string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func never[T any](t *testing.T, what string, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(150 * time.Millisecond):
	}
}

func candidate(c string) signal.Candidate {
	mid := "0"
	return signal.Candidate{Candidate: c, SDPMid: &mid}
}

func candidateStrings(cs []signal.Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Candidate)
	}
	return out
}
