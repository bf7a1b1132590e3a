package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in         string
		normalized string
		host       string
		ok         bool
	}{
		{in: "HTTPS://Example.COM:443", normalized: "https://example.com", host: "example.com", ok: true},
		{in: "http://localhost:5173/", normalized: "http://localhost:5173", host: "localhost:5173", ok: true},
		{in: "http://[::1]:8080", normalized: "http://[::1]:8080", host: "[::1]:8080", ok: true},
		{in: "null", normalized: "null", ok: true},
		{in: "ftp://example.com"},
		{in: "https://example.com/path"},
		{in: "https://example.com?q=1"},
		{in: "https://user@example.com"},
		{in: "https://example.com:0"},
		{in: "https://example.com:99999"},
		{in: ""},
	}
	for _, tc := range cases {
		normalized, host, ok := Normalize(tc.in)
		if ok != tc.ok || normalized != tc.normalized || host != tc.host {
			t.Fatalf("Normalize(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, normalized, host, ok, tc.normalized, tc.host, tc.ok)
		}
	}
}

func TestAllowed_SameHostDefault(t *testing.T) {
	if !Allowed("https://example.com", "example.com", "EXAMPLE.com:443", nil) {
		t.Fatalf("expected same host (default port) to be allowed")
	}
	if Allowed("https://evil.com", "evil.com", "example.com", nil) {
		t.Fatalf("expected cross-host origin to be rejected")
	}
	if Allowed("null", "", "example.com", nil) {
		t.Fatalf("expected null origin to be rejected without an allow list")
	}
}

func TestAllowed_AllowList(t *testing.T) {
	allow := []string{"http://localhost:5173"}
	if !Allowed("http://localhost:5173", "localhost:5173", "relay.internal", allow) {
		t.Fatalf("expected listed origin to be allowed")
	}
	if Allowed("http://localhost:3000", "localhost:3000", "localhost:3000", allow) {
		t.Fatalf("expected unlisted origin to be rejected even on the same host")
	}
	if !Allowed("https://anything.example", "anything.example", "x", []string{"*"}) {
		t.Fatalf("expected wildcard to allow")
	}
}

func TestCheckRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "http://relay.example/v1/connect", nil)
	if !CheckRequest(r, nil) {
		t.Fatalf("expected request without Origin to be allowed")
	}
	r.Header.Set("Origin", "http://relay.example")
	if !CheckRequest(r, nil) {
		t.Fatalf("expected same-host Origin to be allowed")
	}
	r.Header.Set("Origin", "not a url")
	if CheckRequest(r, nil) {
		t.Fatalf("expected malformed Origin to be rejected")
	}
}
