package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestGenerator(t *testing.T, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := newTestGenerator(t, time.Unix(1_700_000_000, 0).UTC())

	creds, err := g.Generate("conn123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, 1_700_003_600)
	}
	if creds.TTLSeconds != 3600 {
		t.Fatalf("TTLSeconds: got %d, want 3600", creds.TTLSeconds)
	}
	wantUsername := "1700003600:aero:conn123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestGenerate_RejectsColon(t *testing.T) {
	g := newTestGenerator(t, time.Unix(0, 0))
	if _, err := g.Generate("a:b"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidID)
	}
	if _, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "a:b"}); !errors.Is(err, ErrInvalidPrefix) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidPrefix)
	}
	if _, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTL: 500 * time.Millisecond, UsernamePrefix: "a"}); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidTTL)
	}
}

func TestWithICEServers_OnlyTURNGetsCredentials(t *testing.T) {
	g := newTestGenerator(t, time.Unix(0, 0))
	creds, err := g.Generate("c")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
	}
	creds = creds.WithICEServers(servers)

	if len(creds.ICEServers) != 2 {
		t.Fatalf("ICEServers len=%d", len(creds.ICEServers))
	}
	if creds.ICEServers[0].Username != "" {
		t.Fatalf("stun server got username %q", creds.ICEServers[0].Username)
	}
	if creds.ICEServers[1].Username != creds.Username || creds.ICEServers[1].Credential != creds.Credential {
		t.Fatalf("turn server credentials not applied: %+v", creds.ICEServers[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("input slice mutated")
	}
}
