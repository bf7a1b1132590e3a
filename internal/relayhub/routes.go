package relayhub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/signal"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

// signalEvent is the data of a signal event. Body carries the signal JSON as
// a string, exactly as the sender posted it.
type signalEvent struct {
	Header signal.Header `json:"header"`
	Body   string        `json:"body"`
}

type deliveryResponse struct {
	Delivered int `json:"delivered"`
}

func (h *Hub) handle(c *conn, req transport.Frame) transport.Frame {
	if ok, wait := c.limiter.Reserve(1); !ok {
		h.metrics.Inc(metrics.RelayRateLimited)
		if wait <= 0 {
			wait = time.Second
		}
		resp := replyError(http.StatusTooManyRequests, "rate limit exceeded")
		resp.Headers = map[string]string{
			transport.HeaderRateLimitReset: formatSeconds(wait),
		}
		return resp
	}

	switch {
	case req.Method == http.MethodPost && req.Path == transport.PathSignaling:
		return h.handleSignal(c, req.Body)
	case req.Method == http.MethodPost && req.Path == transport.PathMessages:
		return h.handleMessage(c, req.Body)
	case req.Method == http.MethodGet && req.Path == transport.PathTURN:
		return h.handleTURN(c)
	case req.Method == http.MethodGet && req.Path == transport.PathPresence:
		return reply(http.StatusOK, transport.PresenceList{Endpoints: h.Presence()})
	default:
		h.metrics.Inc(metrics.RequestRejected)
		return replyError(http.StatusNotFound, fmt.Sprintf("no route for %s %s", req.Method, req.Path))
	}
}

func (h *Hub) handleSignal(c *conn, body json.RawMessage) transport.Frame {
	var out signal.Outbound
	if err := decodeStrictJSON(body, &out); err != nil {
		h.metrics.Inc(metrics.RequestRejected)
		return replyError(http.StatusBadRequest, "invalid signaling request: "+err.Error())
	}
	if strings.TrimSpace(out.To) == "" {
		h.metrics.Inc(metrics.RequestRejected)
		return replyError(http.StatusBadRequest, "to is required")
	}
	s, err := signal.Parse([]byte(out.Signal))
	if err != nil {
		h.metrics.Inc(metrics.RequestRejected)
		return replyError(http.StatusBadRequest, err.Error())
	}

	ev := signalEvent{
		Header: signal.Header{
			From:           c.endpoint,
			FromConnection: c.id,
			To:             out.To,
			ToConnection:   out.ToConnection,
			Timestamp:      time.Now().UnixMilli(),
		},
		Body: out.Signal,
	}
	n := h.deliver(c, out.To, out.ToConnection, transport.EventSignal, ev)
	if n == 0 {
		h.metrics.Inc(metrics.RelayUndeliverable)
		return replyError(http.StatusNotFound, "recipient not connected")
	}
	h.metrics.Inc(metrics.SignalReceived)
	c.log.Debug("relayed signal",
		"to", out.To, "to_connection", out.ToConnection,
		"signal_type", string(s.SignalType), "session_id", s.SessionID, "delivered", n)
	return reply(http.StatusOK, deliveryResponse{Delivered: n})
}

func (h *Hub) handleMessage(c *conn, body json.RawMessage) transport.Frame {
	var msg transport.Message
	if err := decodeStrictJSON(body, &msg); err != nil {
		h.metrics.Inc(metrics.RequestRejected)
		return replyError(http.StatusBadRequest, "invalid message request: "+err.Error())
	}
	if strings.TrimSpace(msg.To) == "" {
		h.metrics.Inc(metrics.RequestRejected)
		return replyError(http.StatusBadRequest, "to is required")
	}
	ev := transport.Message{From: c.endpoint, FromConnection: c.id, Text: msg.Text}
	n := h.deliver(c, msg.To, "", transport.EventMessage, ev)
	if n == 0 {
		h.metrics.Inc(metrics.RelayUndeliverable)
		return replyError(http.StatusNotFound, "recipient not connected")
	}
	return reply(http.StatusOK, deliveryResponse{Delivered: n})
}

func (h *Hub) handleTURN(c *conn) transport.Frame {
	if h.cfg.TURN == nil {
		return replyError(http.StatusNotFound, "turn credentials are not configured")
	}
	creds, err := h.cfg.TURN.Generate(c.id)
	if err != nil {
		c.log.Error("generate turn credentials", "err", err)
		return replyError(http.StatusInternalServerError, "failed to generate credentials")
	}
	return reply(http.StatusOK, creds.WithICEServers(h.cfg.ICEServers))
}

// deliver sends an event to the recipient's connections (one when
// toConnection is set), never back to the sending connection.
func (h *Hub) deliver(from *conn, to, toConnection string, class transport.EventClass, data any) int {
	h.mu.RLock()
	targets := h.connsLocked(to, toConnection)
	h.mu.RUnlock()

	n := 0
	for _, t := range targets {
		if t == from {
			continue
		}
		if t.event(class, data) {
			n++
		}
	}
	return n
}

// reply encodes v the way the relay frames response bodies: a JSON string
// holding the encoded value.
func reply(status int, v any) transport.Frame {
	inner, err := json.Marshal(v)
	if err != nil {
		return replyError(http.StatusInternalServerError, "failed to encode response")
	}
	outer, _ := json.Marshal(string(inner))
	return transport.Frame{Status: status, Body: outer}
}

func replyError(status int, message string) transport.Frame {
	inner, _ := json.Marshal(map[string]string{"error": message})
	outer, _ := json.Marshal(string(inner))
	return transport.Frame{Status: status, Body: outer}
}

func formatSeconds(d time.Duration) string {
	secs := math.Ceil(d.Seconds()*1000) / 1000
	return fmt.Sprintf("%.3f", secs)
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
