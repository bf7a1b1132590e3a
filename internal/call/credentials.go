package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/turnrest"
)

// Credentials are refreshed this long before they expire.
const turnRefreshMargin = 30 * time.Second

type turnCache struct {
	mu      sync.Mutex
	servers []webrtc.ICEServer
	expires time.Time
}

// iceServers returns the configured servers plus relay-issued TURN servers.
// A failed credential fetch is logged and the session goes on without TURN.
func (r *Registry) iceServers(ctx context.Context) []webrtc.ICEServer {
	servers := append([]webrtc.ICEServer(nil), r.cfg.ICEServers...)
	if r.cfg.DisableTURN {
		return servers
	}
	turn, err := r.turnServers(ctx)
	if err != nil {
		r.log.Warn("turn credentials unavailable", "err", err)
		return servers
	}
	return append(servers, turn...)
}

func (r *Registry) turnServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	r.turn.mu.Lock()
	defer r.turn.mu.Unlock()

	now := r.now()
	if r.turn.servers != nil && now.Add(turnRefreshMargin).Before(r.turn.expires) {
		return r.turn.servers, nil
	}

	body, err := r.cfg.Signaler.Request(ctx, "GET", transport.PathTURN, nil)
	if err != nil {
		return nil, err
	}
	var creds turnrest.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(creds.ICEServers))
	for _, s := range creds.ICEServers {
		if turnrest.HasTURNURL(s) && s.Username == "" {
			s.Username = creds.Username
			s.Credential = creds.Credential
		}
		servers = append(servers, s)
	}
	r.turn.servers = servers
	r.turn.expires = time.Unix(creds.ExpiryUnix, 0)
	return servers, nil
}
