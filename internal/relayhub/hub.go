// Package relayhub is a single-process relay speaking the frame protocol the
// client transport uses. It is meant for local development and integration
// tests, not for production fan-out.
package relayhub

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/turnrest"
)

const wsWriteWait = 1 * time.Second

var ErrClosed = errors.New("relayhub: closed")

type Config struct {
	AuthMode       config.AuthMode
	Verifier       auth.Verifier
	AllowedOrigins []string

	// Per-connection request budget.
	MaxRequestsPerSecond int
	RequestBurst         int

	MaxMessageBytes int64
	IdleTimeout     time.Duration
	PingInterval    time.Duration

	// ICEServers is served by GET /v1/turn. TURN, when set, signs credentials
	// onto its TURN entries.
	ICEServers []webrtc.ICEServer
	TURN       *turnrest.Generator

	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ConfigFromRelay builds the hub configuration from the relay binary's
// settings.
func ConfigFromRelay(cfg config.RelayConfig, logger *slog.Logger, m *metrics.Metrics) (Config, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return Config{}, err
	}
	var gen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		gen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return Config{}, fmt.Errorf("turn rest: %w", err)
		}
	}
	return Config{
		AuthMode:             cfg.AuthMode,
		Verifier:             verifier,
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
		RequestBurst:         cfg.RequestBurst,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		ICEServers:           cfg.ICEServers,
		TURN:                 gen,
		Logger:               logger,
		Metrics:              m,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Verifier == nil {
		c.AuthMode = config.AuthModeNone
	}
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = config.DefaultMaxRequestsPerSecond
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = c.MaxRequestsPerSecond
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultWSIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = config.DefaultWSPingInterval
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Hub tracks every connected endpoint and routes requests between them.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	endpoints map[string]map[string]*conn
	closed    bool

	wg sync.WaitGroup
}

func New(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "relayhub"),
		metrics:   cfg.Metrics,
		endpoints: make(map[string]map[string]*conn),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.CheckRequest(r, cfg.AllowedOrigins)
		},
	}
	return h
}

func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /v1/connect", h)
}

// Ready reports ErrClosed once the hub has been closed.
func (h *Hub) Ready() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		http.Error(w, "endpoint is required", http.StatusBadRequest)
		return
	}
	if h.cfg.Verifier != nil {
		if err := auth.Authenticate(h.cfg.AuthMode, h.cfg.Verifier, r); err != nil {
			h.metrics.Inc(metrics.AuthFailure)
			h.log.Info("rejected relay connection", "endpoint", endpoint, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if err := h.Ready(); err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		hub:      h,
		ws:       ws,
		id:       uuid.NewString(),
		endpoint: endpoint,
		limiter: ratelimit.NewTokenBucket(
			h.cfg.Clock,
			int64(h.cfg.RequestBurst),
			int64(h.cfg.MaxRequestsPerSecond),
		),
	}
	c.log = h.log.With("endpoint", endpoint, "connection_id", c.id)

	// The welcome goes out before c is reachable so it is always the first
	// frame the client reads.
	if err := c.send(transport.Frame{Type: transport.FrameWelcome, ConnectionID: c.id, Endpoint: c.endpoint}); err != nil {
		c.close()
		return
	}
	if !h.register(c) {
		c.closeWith(websocket.CloseGoingAway, "shutting down")
		return
	}
	defer h.wg.Done()
	defer h.unregister(c)

	c.run()
}

// register adds c and announces it. The new connection first learns who is
// already online, then everyone else learns about it. On success the caller
// owns one count of h.wg.
func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	snapshot := h.presenceLocked()
	others := h.connsLocked("", "")
	conns, ok := h.endpoints[c.endpoint]
	if !ok {
		conns = make(map[string]*conn)
		h.endpoints[c.endpoint] = conns
	}
	conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	c.log.Info("relay connection opened")
	for _, p := range snapshot {
		c.event(transport.EventPresence, p)
	}
	join := transport.Presence{Endpoint: c.endpoint, ConnectionID: c.id}
	for _, o := range others {
		o.event(transport.EventJoin, join)
	}
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if conns, ok := h.endpoints[c.endpoint]; ok && conns[c.id] == c {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.endpoints, c.endpoint)
		}
	}
	others := h.connsLocked("", "")
	h.mu.Unlock()

	c.close()
	c.log.Info("relay connection closed")
	leave := transport.Presence{Endpoint: c.endpoint, ConnectionID: c.id}
	for _, o := range others {
		o.event(transport.EventLeave, leave)
	}
}

// connsLocked returns the connections of endpoint (every endpoint when
// empty), narrowed to connID when set.
func (h *Hub) connsLocked(endpoint, connID string) []*conn {
	var out []*conn
	for ep, conns := range h.endpoints {
		if endpoint != "" && ep != endpoint {
			continue
		}
		for id, c := range conns {
			if connID != "" && id != connID {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) presenceLocked() []transport.Presence {
	out := make([]transport.Presence, 0, len(h.endpoints))
	for ep, conns := range h.endpoints {
		ids := make([]string, 0, len(conns))
		for id := range conns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, transport.Presence{Endpoint: ep, Connections: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Presence is a snapshot of every connected endpoint.
func (h *Hub) Presence() []transport.Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked()
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := h.connsLocked("", "")
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "shutting down")
	}
	h.wg.Wait()
}
