package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) error { return nil }

func NewVerifier(cfg config.RelayConfig) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest extracts the API key from a relay request. The
// websocket upgrade carries it as ?apiKey=; plain HTTP callers may use
// X-API-Key or an "ApiKey"/"Bearer" Authorization header.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}

	if v := r.URL.Query().Get("apiKey"); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		switch strings.ToLower(scheme) {
		case "apikey", "bearer":
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	return "", ErrMissingCredentials
}

// Authenticate combines extraction and verification.
func Authenticate(mode config.AuthMode, v Verifier, r *http.Request) error {
	cred, err := CredentialFromRequest(mode, r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}
