package relayhub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
)

// conn is one client websocket.
type conn struct {
	hub      *Hub
	ws       *websocket.Conn
	id       string
	endpoint string
	limiter  *ratelimit.TokenBucket
	log      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *conn) run() {
	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(stop)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("relay connection read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.closeWith(websocket.CloseUnsupportedData, "invalid frame")
			return
		}
		if f.Type != transport.FrameRequest || f.ID == "" {
			c.log.Debug("ignoring client frame", "type", string(f.Type))
			continue
		}

		resp := c.hub.handle(c, f)
		resp.Type = transport.FrameResponse
		resp.ID = f.ID
		if err := c.send(resp); err != nil {
			return
		}
	}
}

func (c *conn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) send(f transport.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// event pushes an event frame. A failed write closes the connection; its
// read loop then unregisters it.
func (c *conn) event(class transport.EventClass, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Error("encode event", "event", string(class), "err", err)
		return false
	}
	if err := c.send(transport.Frame{Type: transport.FrameEvent, Event: class, Data: raw}); err != nil {
		c.log.Debug("event write failed", "event", string(class), "err", err)
		c.close()
		return false
	}
	return true
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}
