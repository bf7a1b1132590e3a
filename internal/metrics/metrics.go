package metrics

import "sync"

// Event names shared by the client and the development relay.
const (
	SignalSent       = "signal_sent"
	SignalSendFailed = "signal_send_failed"
	SignalReceived   = "signal_received"
	SignalDropped    = "signal_dropped"

	RequestSent          = "request_sent"
	RequestRejected      = "request_rejected"
	RequestRateLimited   = "request_rate_limited"
	RequestRetried       = "request_retried"
	RequestFailed        = "request_failed"
	TransportConnected   = "transport_connected"
	TransportDisconnect  = "transport_disconnected"
	TransportReconnected = "transport_reconnected"
	EventDropped         = "event_dropped"

	SessionCreated    = "session_created"
	SessionConnected  = "session_connected"
	SessionTerminated = "session_terminated"
	SessionFailed     = "session_failed"
	CandidateQueued   = "candidate_queued"
	CandidateSent     = "candidate_sent"
	CandidateApplied  = "candidate_applied"

	AuthFailure        = "auth_failure"
	RelayRateLimited   = "relay_rate_limited"
	RelayUndeliverable = "relay_undeliverable"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards every update so components can be constructed without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
