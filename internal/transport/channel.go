// Package transport owns the client's persistent relay connection: the
// websocket, the single-flight request lane and inbound event fan-out.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/signal"
)

const (
	wsWriteWait        = 5 * time.Second
	welcomeWait        = 10 * time.Second
	eventQueueCapacity = 1024
	// signalPublishWait is how long the read loop stalls for room in a full
	// event queue before giving up on a signal.
	signalPublishWait = time.Second
)

const (
	// DefaultRateLimitRetries applies when Config.RateLimitRetries is zero.
	DefaultRateLimitRetries = 3
	// NoRateLimitRetries fails a rate-limited request on its first 429.
	NoRateLimitRetries = -1
)

type Config struct {
	// URL is the relay base URL (ws:// or wss://).
	URL      string
	Endpoint string
	APIKey   string

	MaxRequestBytes int
	// RateLimitRetries bounds re-sends of a 429'd request. Zero means
	// DefaultRateLimitRetries; use NoRateLimitRetries to disable retrying.
	RateLimitRetries      int
	RateLimitDefaultDelay time.Duration
	RequestTimeout        time.Duration

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	PingInterval      time.Duration

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = 20000
	}
	switch {
	case c.RateLimitRetries == 0:
		c.RateLimitRetries = DefaultRateLimitRetries
	case c.RateLimitRetries < 0:
		c.RateLimitRetries = 0
	}
	if c.RateLimitDefaultDelay <= 0 {
		c.RateLimitDefaultDelay = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type result struct {
	frame Frame
	err   error
}

type subscription struct {
	id uint64
	fn func(Event)
}

// Channel is a relay connection that survives transport loss.
type Channel struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool

	mu       sync.Mutex
	conn     *websocket.Conn
	connID   string
	inflight map[string]chan result

	writeMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[EventClass][]subscription
	nextSub uint64

	lane   *lane
	events chan Event

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the relay and starts the channel. Only the first
// connection attempt is reported; later losses are recovered in the
// background and surfaced as disconnect/reconnect events.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "transport"),
		metrics:  cfg.Metrics,
		ctx:      runCtx,
		cancel:   cancel,
		inflight: make(map[string]chan result),
		subs:     make(map[EventClass][]subscription),
		lane:     newLane(),
		events:   make(chan Event, eventQueueCapacity),
	}

	conn, connID, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.attach(conn, connID)

	c.wg.Add(3)
	go c.run(conn)
	go c.laneLoop()
	go c.dispatchLoop()
	return c, nil
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// ConnectionID is the relay-assigned id of the current connection. It changes
// after a reconnect.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Channel) Endpoint() string {
	return c.cfg.Endpoint
}

// Subscribe registers fn for an event class and returns a function that
// removes it. Handlers run one at a time on the channel's dispatch goroutine
// in arrival order.
func (c *Channel) Subscribe(class EventClass, fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[class] = append(c.subs[class], subscription{id: id, fn: fn})
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			list := c.subs[class]
			for i, s := range list {
				if s.id == id {
					c.subs[class] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Enqueue validates and queues a request without waiting for it. done is
// called exactly once from the lane goroutine unless Enqueue itself returns
// an error. Oversized payloads and requests made while disconnected are
// rejected here without touching the network.
func (c *Channel) Enqueue(ctx context.Context, method, path string, body any, done func(json.RawMessage, error)) error {
	return c.enqueue(ctx, method, path, body, 0, done)
}

// EnqueueAfter is Enqueue with a pre-dispatch delay.
func (c *Channel) EnqueueAfter(ctx context.Context, delay time.Duration, method, path string, body any, done func(json.RawMessage, error)) error {
	return c.enqueue(ctx, method, path, body, delay, done)
}

func (c *Channel) enqueue(ctx context.Context, method, path string, body any, delay time.Duration, done func(json.RawMessage, error)) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode %s %s: %w", method, path, err)
		}
		raw = b
	}
	if len(raw) > c.cfg.MaxRequestBytes {
		c.metrics.Inc(metrics.RequestRejected)
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(raw), c.cfg.MaxRequestBytes)
	}
	if !c.Connected() {
		c.metrics.Inc(metrics.RequestRejected)
		return ErrNotConnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if done == nil {
		done = func(json.RawMessage, error) {}
	}
	req := &pendingRequest{
		ctx:    ctx,
		method: method,
		path:   path,
		body:   raw,
		done:   done,
	}
	if delay > 0 {
		req.notBefore = time.Now().Add(delay)
	}
	if !c.lane.push(req) {
		return ErrClosed
	}
	return nil
}

// Request queues a request and waits for its outcome.
func (c *Channel) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	ch := make(chan result, 1)
	err := c.Enqueue(ctx, method, path, body, func(b json.RawMessage, err error) {
		ch <- result{frame: Frame{Body: b}, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.frame.Body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendSignal posts s to an endpoint (or one of its connections) through the
// lane. done may be nil and is not called when SendSignal returns an error.
func (c *Channel) SendSignal(to, toConnection string, s signal.Signal, done func(error)) error {
	out, err := signal.NewOutbound(to, toConnection, s)
	if err != nil {
		return err
	}
	err = c.Enqueue(context.Background(), "POST", PathSignaling, out, func(_ json.RawMessage, err error) {
		if err != nil {
			c.metrics.Inc(metrics.SignalSendFailed)
		} else {
			c.metrics.Inc(metrics.SignalSent)
		}
		if done != nil {
			done(err)
		}
	})
	if err != nil {
		c.metrics.Inc(metrics.SignalSendFailed)
	}
	return err
}

// SendMessage delivers a text message to every connection of an endpoint.
func (c *Channel) SendMessage(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("transport: message recipient is required")
	}
	_, err := c.Request(ctx, "POST", PathMessages, Message{To: to, Text: text})
	return err
}

// Close stops the channel. Queued requests fail with ErrClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		for _, req := range c.lane.close() {
			req.done(nil, ErrClosed)
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	c.wg.Wait()
	return nil
}

func (c *Channel) dialURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.URL, "/") + "/v1/connect")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("endpoint", c.cfg.Endpoint)
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens a websocket and waits for the relay's welcome frame.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, string, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, "", fmt.Errorf("transport: relay url: %w", err)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("transport: dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("transport: dial relay: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(welcomeWait))
	var welcome Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("transport: read welcome: %w", err)
	}
	if welcome.Type != FrameWelcome || welcome.ConnectionID == "" {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: expected welcome frame, got %q", ErrMalformedResponse, welcome.Type)
	}
	return conn, welcome.ConnectionID, nil
}

func (c *Channel) attach(conn *websocket.Conn, connID string) {
	deadline := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	c.mu.Lock()
	c.conn = conn
	c.connID = connID
	c.mu.Unlock()
	c.connected.Store(true)
	c.metrics.Inc(metrics.TransportConnected)
	c.log.Info("relay connected", "connection_id", connID, "endpoint", c.cfg.Endpoint)
}

// detach marks the link down and fails whatever was waiting on it.
func (c *Channel) detach(conn *websocket.Conn, cause error) {
	c.connected.Store(false)
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	inflight := c.inflight
	c.inflight = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range inflight {
		ch <- result{err: ErrConnectionLost}
	}
	if c.ctx.Err() != nil {
		return
	}
	c.metrics.Inc(metrics.TransportDisconnect)
	c.log.Warn("relay connection lost", "err", cause)
	c.publish(Event{Class: EventDisconnect})
}

func (c *Channel) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.readLoop(conn)
		c.detach(conn, err)
		conn = c.reconnect()
		if conn == nil {
			return
		}
		if c.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		c.metrics.Inc(metrics.TransportReconnected)
		data, _ := json.Marshal(map[string]string{"connectionId": c.ConnectionID()})
		c.publish(Event{Class: EventReconnect, Data: data})
	}
}

// reconnect retries with backoff until it succeeds or the channel closes.
func (c *Channel) reconnect() *websocket.Conn {
	b := newBackoff(c.cfg.ReconnectMinDelay, c.cfg.ReconnectMaxDelay)
	for {
		delay := b.next()
		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		conn, connID, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			c.log.Debug("relay reconnect failed", "err", err, "retry_in", delay)
			continue
		}
		c.attach(conn, connID)
		return conn
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping malformed relay frame", "err", err)
			continue
		}
		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			ch, ok := c.inflight[f.ID]
			delete(c.inflight, f.ID)
			c.mu.Unlock()
			if !ok {
				c.log.Debug("dropping response for unknown request", "request_id", f.ID)
				continue
			}
			ch <- result{frame: f}
		case FrameEvent:
			c.publish(Event{Class: f.Event, Data: f.Data})
		default:
			c.log.Debug("ignoring relay frame", "type", f.Type)
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// publish queues ev for subscribers. Signals wait briefly for room since
// losing one stalls a call; other events are dropped when the queue is full.
func (c *Channel) publish(ev Event) {
	select {
	case c.events <- ev:
		return
	case <-c.ctx.Done():
		return
	default:
	}
	if ev.Class == EventSignal {
		t := time.NewTimer(signalPublishWait)
		defer t.Stop()
		select {
		case c.events <- ev:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
	}
	c.metrics.Inc(metrics.EventDropped)
	c.log.Warn("event queue full, dropping event", "event", ev.Class)
}

func (c *Channel) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.subMu.RLock()
			subs := append([]subscription(nil), c.subs[ev.Class]...)
			c.subMu.RUnlock()
			for _, s := range subs {
				s.fn(ev)
			}
		}
	}
}

// laneLoop runs queued requests one at a time.
func (c *Channel) laneLoop() {
	defer c.wg.Done()
	for {
		req, ok := c.lane.pop()
		if !ok {
			return
		}
		if !req.notBefore.IsZero() {
			if wait := time.Until(req.notBefore); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-c.ctx.Done():
					t.Stop()
					req.done(nil, ErrClosed)
					return
				case <-req.ctx.Done():
					t.Stop()
					req.done(nil, req.ctx.Err())
					continue
				}
			}
		}
		if err := req.ctx.Err(); err != nil {
			req.done(nil, err)
			continue
		}

		body, err := c.roundTrip(req)
		var rl *rateLimited
		if errors.As(err, &rl) {
			c.metrics.Inc(metrics.RequestRateLimited)
			if req.retries < c.cfg.RateLimitRetries {
				req.retries++
				req.notBefore = time.Now().Add(rl.delay)
				c.metrics.Inc(metrics.RequestRetried)
				c.log.Debug("relay request rate limited, retrying",
					"method", req.method, "path", req.path, "attempt", req.retries, "retry_in", rl.delay)
				if c.lane.pushFront(req) {
					continue
				}
				req.done(nil, ErrClosed)
				continue
			}
			err = fmt.Errorf("%w after %d retries", ErrRateLimited, req.retries)
		}
		if err != nil {
			c.metrics.Inc(metrics.RequestFailed)
		}
		req.done(body, err)
	}
}

// roundTrip sends one request frame and waits for its response.
func (c *Channel) roundTrip(req *pendingRequest) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.inflight[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}

	frame := Frame{Type: FrameRequest, ID: id, Method: req.method, Path: req.path, Body: req.body}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.metrics.Inc(metrics.RequestSent)

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			if c.ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return interpret(r.frame, c.cfg.RateLimitDefaultDelay)
	case <-timer.C:
		forget()
		return nil, ErrTimeout
	case <-req.ctx.Done():
		forget()
		return nil, req.ctx.Err()
	case <-c.ctx.Done():
		forget()
		return nil, ErrClosed
	}
}
