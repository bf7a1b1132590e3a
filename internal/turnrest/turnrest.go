// Package turnrest mints coturn-compatible TURN REST credentials for the
// relay's GET /v1/turn route.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<connection_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidID     = errors.New("turnrest: id must be non-empty and must not contain ':'")
)

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	ttlSeconds := int64(cfg.TTL / time.Second)
	if ttlSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     ttlSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

// Credentials is the JSON body served by GET /v1/turn.
type Credentials struct {
	Username   string             `json:"username"`
	Credential string             `json:"credential"`
	TTLSeconds int64              `json:"ttl"`
	ExpiryUnix int64              `json:"expiresAt"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// Generate mints credentials bound to id, usually the requesting relay
// connection.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, ErrInvalidID
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, id)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		TTLSeconds: g.ttlSeconds,
		ExpiryUnix: expiryUnix,
	}, nil
}

// WithICEServers returns c with ICEServers set to a copy of servers where
// every TURN entry carries c's username/credential. STUN entries are left
// untouched.
func (c Credentials) WithICEServers(servers []webrtc.ICEServer) Credentials {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if HasTURNURL(server) {
			out[i].Username = c.Username
			out[i].Credential = c.Credential
		}
	}
	c.ICEServers = out
	return c
}

func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
