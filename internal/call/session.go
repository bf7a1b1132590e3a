package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/sdpmunge"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/signal"
)

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

type Mode int

const (
	// ModeCall negotiates audio (and optionally video).
	ModeCall Mode = iota
	// ModeDirect negotiates a single data channel and no media.
	ModeDirect
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "call"
}

func (m Mode) target() signal.Target {
	if m == ModeDirect {
		return signal.TargetDirectConnection
	}
	return signal.TargetCall
}

func modeFromTarget(t signal.Target) Mode {
	if t == signal.TargetDirectConnection {
		return ModeDirect
	}
	return ModeCall
}

// State only moves forward.
type State int32

const (
	StateCreated State = iota
	StateNegotiatingLocal
	StateLocalSet
	StateAwaitingAnswer
	StateAwaitingRemoteApply
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiatingLocal:
		return "negotiating_local"
	case StateLocalSet:
		return "local_set"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateAwaitingRemoteApply:
		return "awaiting_remote_apply"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ChannelState tracks the direct-connection data channel.
type ChannelState int32

const (
	ChannelNone ChannelState = iota
	ChannelStartNotified
	ChannelOpen
	ChannelClosed
)

type HangupReason int

const (
	HangupLocal HangupReason = iota
	HangupRemote
	// HangupAnsweredElsewhere: another connection of this endpoint took the
	// call, or the caller's confirmation could not be matched.
	HangupAnsweredElsewhere
	HangupFailed
	HangupTimeout
	HangupShutdown
)

func (r HangupReason) String() string {
	switch r {
	case HangupLocal:
		return "local"
	case HangupRemote:
		return "remote"
	case HangupAnsweredElsewhere:
		return "answered_elsewhere"
	case HangupFailed:
		return "failed"
	case HangupTimeout:
		return "timeout"
	case HangupShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Listener receives session notifications. Callbacks run one at a time on
// the registry's notifier goroutine; nil fields are skipped. After OnHangup
// the listener is dropped and nothing further is delivered.
type Listener struct {
	OnError     func(s *Session, err error)
	OnHangup    func(s *Session, reason HangupReason)
	OnConnected func(s *Session)
	OnTrack     func(s *Session, kind string)

	// OnDirectConnectionStarting fires on the callee when the peer announced
	// the data channel and it is not open yet.
	OnDirectConnectionStarting func(s *Session)
	OnDirectConnectionOpen     func(s *Session, dc media.DataChannel)
	OnDirectConnectionClosed   func(s *Session)
	OnDirectConnectionMessage  func(s *Session, data []byte, isText bool)
}

// Session is one call negotiation. Negotiation steps and inbound signals run
// on the session's inbox goroutine; Hangup may be called from anywhere.
type Session struct {
	id             string
	role           Role
	mode           Mode
	remoteEndpoint string
	reg            *Registry
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *mailbox

	localQueue  *candidateQueue
	remoteQueue *candidateQueue

	// sendMu orders outbound signals against the bye.
	sendMu sync.Mutex

	mu               sync.Mutex
	remoteConnection string
	engine           media.Engine
	dc               media.DataChannel
	listener         Listener
	listenerClosed   bool
	connectTimer     *time.Timer

	// Owned by the inbox goroutine.
	collected     []signal.Candidate
	gatheringDone bool
	finalSent     bool
	answerApplied bool

	state        atomic.Int32
	channelState atomic.Int32
	hangingUp    atomic.Bool
	failed       atomic.Bool
	done         chan struct{}
}

func newSession(reg *Registry, id string, role Role, mode Mode, remoteEndpoint, remoteConnection string, l Listener) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:               id,
		role:             role,
		mode:             mode,
		remoteEndpoint:   remoteEndpoint,
		remoteConnection: remoteConnection,
		reg:              reg,
		log: reg.log.With(
			"session_id", id,
			"role", role.String(),
			"mode", mode.String(),
			"remote_endpoint", remoteEndpoint,
		),
		ctx:         ctx,
		cancel:      cancel,
		inbox:       newMailbox(),
		localQueue:  newCandidateQueue(false),
		remoteQueue: newCandidateQueue(true),
		listener:    l,
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Role() Role             { return s.role }
func (s *Session) Mode() Mode             { return s.mode }
func (s *Session) RemoteEndpoint() string { return s.remoteEndpoint }
func (s *Session) State() State           { return State(s.state.Load()) }

func (s *Session) ChannelState() ChannelState {
	return ChannelState(s.channelState.Load())
}

// RemoteConnection is the peer connection taking part in the call. For an
// outbound call it is empty until the answer arrives.
func (s *Session) RemoteConnection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteConnection
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetListener replaces the listener. It has no effect after hangup.
func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listenerClosed {
		s.listener = l
	}
}

// DataChannel returns the direct-connection channel once one exists.
func (s *Session) DataChannel() (media.DataChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc, s.dc != nil
}

// SendData writes to the open direct-connection channel.
func (s *Session) SendData(data []byte) error {
	dc, ok := s.DataChannel()
	if !ok || s.ChannelState() != ChannelOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Hangup ends the session and tells the peer. Repeated calls are no-ops.
func (s *Session) Hangup() {
	s.hangup(HangupLocal, true)
}

// advance moves the state forward and reports whether it changed.
func (s *Session) advance(to State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= to || State(cur) == StateTerminated {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// post runs fn on the inbox unless the session is hanging up by then.
func (s *Session) post(fn func()) {
	s.inbox.post(func() {
		if s.hangingUp.Load() {
			return
		}
		fn()
	})
}

func (s *Session) notify(fn func(l Listener)) {
	s.reg.notifier.post(func() {
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		fn(l)
	})
}

func (s *Session) currentEngine() media.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// destination is where signals for the peer go: its connection once known,
// otherwise every connection of its endpoint.
func (s *Session) destination() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteEndpoint, s.remoteConnection
}

func (s *Session) start(offer *signal.Signal) {
	if timeout := s.reg.cfg.ConnectTimeout; timeout > 0 {
		s.mu.Lock()
		s.connectTimer = time.AfterFunc(timeout, func() {
			s.post(func() {
				if s.State() < StateConnected {
					s.failWith(ErrConnectTimeout, HangupTimeout)
				}
			})
		})
		s.mu.Unlock()
	}
	s.post(func() { s.negotiate(offer) })
}

func (s *Session) negotiate(offer *signal.Signal) {
	s.advance(StateNegotiatingLocal)

	servers := s.reg.iceServers(s.ctx)
	if s.hangingUp.Load() {
		return
	}
	engine, err := s.reg.cfg.Factory.NewEngine(media.Options{
		ICEServers: servers,
		Audio:      s.mode == ModeCall,
		Video:      s.mode == ModeCall && s.reg.cfg.Video,
	}, s.engineHandlers())
	if err != nil {
		s.fail(negotiationError("create engine", err))
		return
	}
	if !s.attachEngine(engine) {
		return
	}

	if s.role == RoleCaller {
		s.startCaller(engine)
	} else {
		s.startCallee(engine, offer)
	}
}

// attachEngine stores engine unless hangup won the race, in which case the
// engine is released here.
func (s *Session) attachEngine(engine media.Engine) bool {
	s.mu.Lock()
	if s.hangingUp.Load() {
		s.mu.Unlock()
		_ = engine.Close()
		return false
	}
	s.engine = engine
	s.mu.Unlock()
	return true
}

func (s *Session) engineHandlers() media.Handlers {
	return media.Handlers{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			s.post(func() { s.localCandidate(signal.CandidateFromPion(c)) })
		},
		OnGatheringComplete: func() {
			s.post(s.gatheringComplete)
		},
		OnConnectionState: func(st media.ConnectionState) {
			s.post(func() { s.connectionState(st) })
		},
		OnDataChannel: func(dc media.DataChannel) {
			s.post(func() { s.adoptChannel(dc) })
		},
		OnDataChannelOpen: func(dc media.DataChannel) {
			s.post(func() { s.channelOpened(dc) })
		},
		OnDataChannelClose: func(dc media.DataChannel) {
			s.post(func() { s.channelClosed(dc) })
		},
		OnDataChannelMessage: func(_ media.DataChannel, data []byte, isText bool) {
			s.post(func() {
				s.notify(func(l Listener) {
					if l.OnDirectConnectionMessage != nil {
						l.OnDirectConnectionMessage(s, data, isText)
					}
				})
			})
		},
		OnTrack: func(kind string) {
			s.post(func() {
				s.notify(func(l Listener) {
					if l.OnTrack != nil {
						l.OnTrack(s, kind)
					}
				})
			})
		},
	}
}

func (s *Session) startCaller(engine media.Engine) {
	if s.mode == ModeDirect {
		dc, err := engine.CreateDataChannel(media.DataChannelLabel)
		if err != nil {
			s.fail(negotiationError("create data channel", err))
			return
		}
		s.mu.Lock()
		s.dc = dc
		s.mu.Unlock()
		s.channelState.Store(int32(ChannelStartNotified))
	}

	offer, err := engine.CreateOffer()
	if s.hangingUp.Load() {
		return
	}
	if err != nil {
		s.fail(negotiationError("create offer", err))
		return
	}
	local, err := s.setLocal(engine, offer)
	if s.hangingUp.Load() {
		return
	}
	if err != nil {
		s.fail(negotiationError("set local offer", err))
		return
	}
	s.advance(StateLocalSet)

	s.sendRequired(signal.NewDescription(s.mode.target(), s.id, local), "send offer", func() {
		s.drainLocal()
		s.advance(StateAwaitingAnswer)
	})
}

func (s *Session) startCallee(engine media.Engine, offer *signal.Signal) {
	if offer == nil || offer.SessionDescription == nil {
		s.fail(negotiationError("apply offer", sdpmunge.ErrInvalidSDP))
		return
	}
	if _, err := sdpmunge.Validate(offer.SessionDescription.SDP); err != nil {
		s.fail(negotiationError("validate offer", err))
		return
	}
	remote, err := offer.SessionDescription.ToPion()
	if err != nil {
		s.fail(negotiationError("apply offer", err))
		return
	}
	err = engine.SetRemoteDescription(remote)
	if s.hangingUp.Load() {
		return
	}
	if err != nil {
		s.fail(negotiationError("apply offer", err))
		return
	}

	if engine.HasLocalDescription() {
		s.remoteQueue.drain(s.applyCandidates)
		return
	}
	answer, err := engine.CreateAnswer()
	if s.hangingUp.Load() {
		return
	}
	if err != nil {
		s.fail(negotiationError("create answer", err))
		return
	}
	local, err := s.setLocal(engine, answer)
	if s.hangingUp.Load() {
		return
	}
	if err != nil {
		s.fail(negotiationError("set local answer", err))
		return
	}
	s.advance(StateLocalSet)
	s.remoteQueue.drain(s.applyCandidates)

	s.sendRequired(signal.NewDescription(s.mode.target(), s.id, local), "send answer", func() {
		s.drainLocal()
		s.advance(StateAwaitingRemoteApply)
	})
}

// setLocal applies the codec preference, checks the result still parses and
// sets it on the engine.
func (s *Session) setLocal(engine media.Engine, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	desc.SDP = sdpmunge.PreferAudioCodec(desc.SDP, s.reg.cfg.PreferredAudioCodec)
	parsed, err := sdpmunge.Validate(desc.SDP)
	if err != nil {
		return desc, err
	}
	if formats := sdpmunge.AudioFormats(parsed); formats != nil {
		s.log.Debug("local audio formats", "sdp_type", desc.Type.String(), "formats", formats)
	}
	if err := engine.SetLocalDescription(desc); err != nil {
		return desc, err
	}
	return desc, nil
}

// sendRequired sends a negotiation signal whose loss ends the session. onSent
// runs on the inbox after the relay accepted it.
func (s *Session) sendRequired(sig signal.Signal, step string, onSent func()) {
	to, conn := s.destination()
	err := s.enqueueSignal(to, conn, sig, func(err error) {
		s.post(func() {
			if err != nil {
				s.fail(negotiationError(step, err))
				return
			}
			if onSent != nil {
				onSent()
			}
		})
	})
	if err != nil {
		s.fail(negotiationError(step, err))
	}
}

// enqueueSignal hands sig to the relay unless hangup has begun. Once the
// session is hanging up nothing may follow the bye.
func (s *Session) enqueueSignal(to, conn string, sig signal.Signal, done func(error)) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.hangingUp.Load() {
		s.log.Debug("dropping signal after hangup", "signal_type", string(sig.SignalType))
		return nil
	}
	return s.reg.cfg.Signaler.SendSignal(to, conn, sig, done)
}

// sendBestEffort sends a signal whose loss is only logged.
func (s *Session) sendBestEffort(to, conn string, sig signal.Signal, onSent func()) {
	logFailure := func(err error) {
		s.log.Warn("signal send failed", "signal_type", string(sig.SignalType), "err", err)
	}
	err := s.enqueueSignal(to, conn, sig, func(err error) {
		if err != nil {
			logFailure(err)
			return
		}
		if onSent != nil {
			onSent()
		}
	})
	if err != nil {
		logFailure(err)
	}
}

func (s *Session) sendCandidates(cs []signal.Candidate) {
	to, conn := s.destination()
	n := uint64(len(cs))
	s.sendBestEffort(to, conn, signal.NewCandidates(s.mode.target(), s.id, cs), func() {
		s.reg.metrics.Add(metrics.CandidateSent, n)
	})
}

func (s *Session) localCandidate(c signal.Candidate) {
	s.collected = append(s.collected, c)
	if _, queued := s.localQueue.add([]signal.Candidate{c}, s.sendCandidates); queued {
		s.reg.metrics.Inc(metrics.CandidateQueued)
	}
}

func (s *Session) drainLocal() {
	if n := s.localQueue.drain(s.sendCandidates); n > 0 {
		s.log.Debug("flushed queued local candidates", "count", n)
	}
	if s.gatheringDone {
		s.sendFinal()
	}
}

func (s *Session) gatheringComplete() {
	s.gatheringDone = true
	if s.localQueue.drained() {
		s.sendFinal()
	}
}

func (s *Session) sendFinal() {
	if s.finalSent || len(s.collected) == 0 {
		return
	}
	s.finalSent = true
	all := append([]signal.Candidate(nil), s.collected...)
	to, conn := s.destination()
	s.sendBestEffort(to, conn, signal.NewFinalCandidates(s.mode.target(), s.id, all), nil)
}

func (s *Session) applyCandidates(cs []signal.Candidate) {
	engine := s.currentEngine()
	if engine == nil {
		return
	}
	for _, c := range cs {
		if err := engine.AddICECandidate(c.ToPion()); err != nil {
			s.log.Warn("remote candidate rejected", "candidate", c.Candidate, "err", err)
			continue
		}
		s.reg.metrics.Inc(metrics.CandidateApplied)
	}
}

func (s *Session) receive(in signal.Inbound) {
	switch in.Signal.SignalType {
	case signal.TypeBye:
		s.post(func() { s.receiveBye(in) })
	case signal.TypeAnswer:
		s.post(func() { s.receiveAnswer(in) })
	case signal.TypeConnected:
		s.post(func() { s.receiveConnected(in) })
	case signal.TypeICECandidates:
		s.post(func() { s.receiveCandidates(in) })
	default:
		s.reg.metrics.Inc(metrics.SignalDropped)
		s.log.Debug("ignoring signal for existing session", "signal_type", string(in.Signal.SignalType))
	}
}

func (s *Session) receiveBye(in signal.Inbound) {
	if rc := s.RemoteConnection(); rc != "" && in.Header.FromConnection != rc {
		s.log.Debug("ignoring bye from another connection", "from_connection", in.Header.FromConnection)
		return
	}
	s.hangup(HangupRemote, false)
}

func (s *Session) receiveAnswer(in signal.Inbound) {
	if s.role != RoleCaller {
		s.log.Debug("ignoring answer on inbound session")
		return
	}
	if s.answerApplied {
		if in.Header.FromConnection != s.RemoteConnection() {
			s.log.Info("ignoring answer from another connection", "from_connection", in.Header.FromConnection)
		}
		return
	}
	engine := s.currentEngine()
	if engine == nil {
		return
	}
	if _, err := sdpmunge.Validate(in.Signal.SessionDescription.SDP); err != nil {
		s.fail(negotiationError("validate answer", err))
		return
	}
	desc, err := in.Signal.SessionDescription.ToPion()
	if err != nil {
		s.fail(negotiationError("apply answer", err))
		return
	}
	err = engine.SetRemoteDescription(desc)
	if s.hangingUp.Load() {
		return
	}
	if err != nil {
		s.fail(negotiationError("apply answer", err))
		return
	}
	s.answerApplied = true
	s.mu.Lock()
	s.remoteConnection = in.Header.FromConnection
	s.mu.Unlock()

	if engine.HasLocalDescription() {
		s.remoteQueue.drain(s.applyCandidates)
	}

	// Every connection of the remote endpoint learns which one answered; the
	// others stop ringing.
	s.sendBestEffort(s.remoteEndpoint, "", signal.NewConnected(s.mode.target(), s.id, in.Header.FromConnection), nil)
}

func (s *Session) receiveConnected(in signal.Inbound) {
	if s.role != RoleCallee {
		s.log.Debug("ignoring connected on outbound session")
		return
	}
	own := s.reg.cfg.Signaler.ConnectionID()
	switch id := in.Signal.ConnectionID; {
	case id == "":
		s.log.Warn("connected signal without connection id, hanging up")
		s.hangup(HangupAnsweredElsewhere, false)
	case id != own:
		s.log.Info("call answered on another connection", "connection_id", id)
		s.hangup(HangupAnsweredElsewhere, false)
	default:
		s.log.Debug("caller confirmed this connection")
	}
}

func (s *Session) receiveCandidates(in signal.Inbound) {
	accepted, queued := s.remoteQueue.add(in.Signal.Candidates(), s.applyCandidates)
	if queued && accepted > 0 {
		s.reg.metrics.Add(metrics.CandidateQueued, uint64(accepted))
	}
}

func (s *Session) connectionState(st media.ConnectionState) {
	switch st {
	case media.StateConnected:
		if !s.advance(StateConnected) {
			return
		}
		s.mu.Lock()
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
		s.mu.Unlock()
		s.reg.metrics.Inc(metrics.SessionConnected)
		s.log.Info("session connected")
		s.notify(func(l Listener) {
			if l.OnConnected != nil {
				l.OnConnected(s)
			}
		})
	case media.StateFailed:
		s.fail(ErrConnectionFailed)
	}
}

func (s *Session) adoptChannel(dc media.DataChannel) {
	if s.mode != ModeDirect || s.role != RoleCallee || dc.Label() != media.DataChannelLabel {
		s.log.Debug("ignoring announced data channel", "label", dc.Label())
		return
	}
	s.mu.Lock()
	existed := s.dc != nil
	s.dc = dc
	s.mu.Unlock()
	if existed {
		return
	}
	s.channelState.Store(int32(ChannelStartNotified))
	s.notify(func(l Listener) {
		if l.OnDirectConnectionStarting != nil {
			l.OnDirectConnectionStarting(s)
		}
	})
}

func (s *Session) channelOpened(dc media.DataChannel) {
	if current, ok := s.DataChannel(); !ok || current != dc {
		return
	}
	s.channelState.Store(int32(ChannelOpen))
	s.notify(func(l Listener) {
		if l.OnDirectConnectionOpen != nil {
			l.OnDirectConnectionOpen(s, dc)
		}
	})
}

func (s *Session) channelClosed(dc media.DataChannel) {
	if current, ok := s.DataChannel(); !ok || current != dc {
		return
	}
	s.channelState.Store(int32(ChannelClosed))
	s.notify(func(l Listener) {
		if l.OnDirectConnectionClosed != nil {
			l.OnDirectConnectionClosed(s)
		}
	})
}

func (s *Session) fail(err error) {
	s.failWith(err, HangupFailed)
}

// failWith reports err once and hangs up.
func (s *Session) failWith(err error, reason HangupReason) {
	if s.hangingUp.Load() {
		return
	}
	if s.failed.CompareAndSwap(false, true) {
		s.reg.metrics.Inc(metrics.SessionFailed)
		s.log.Warn("session failed", "err", err)
		s.notify(func(l Listener) {
			if l.OnError != nil {
				l.OnError(s, err)
			}
		})
	}
	s.hangup(reason, true)
}

// hangup tears the session down exactly once. Engine resources are released
// immediately; the bye is queued and never waited on.
func (s *Session) hangup(reason HangupReason, sendBye bool) {
	if !s.hangingUp.CompareAndSwap(false, true) {
		return
	}
	s.cancel()

	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	dc := s.dc
	remoteConnection := s.remoteConnection
	timer := s.connectTimer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sendBye {
		s.sendMu.Lock()
		err := s.reg.cfg.Signaler.SendSignal(s.remoteEndpoint, remoteConnection, signal.NewBye(s.mode.target(), s.id), nil)
		s.sendMu.Unlock()
		if err != nil {
			s.log.Debug("bye not sent", "err", err)
		}
	}
	if dc != nil {
		_ = dc.Close()
	}
	if engine != nil {
		if err := engine.Close(); err != nil {
			s.log.Debug("engine close failed", "err", err)
		}
	}

	s.state.Store(int32(StateTerminated))
	s.reg.remove(s)
	s.reg.metrics.Inc(metrics.SessionTerminated)
	s.log.Info("session ended", "reason", reason.String())

	s.reg.notifier.post(func() {
		s.mu.Lock()
		l := s.listener
		s.listener = Listener{}
		s.listenerClosed = true
		s.mu.Unlock()
		if l.OnHangup != nil {
			l.OnHangup(s, reason)
		}
	})
	s.inbox.close(false)
	close(s.done)
}
