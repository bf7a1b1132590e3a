package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestInterpret(t *testing.T) {
	const fallback = time.Second

	tests := []struct {
		name      string
		frame     Frame
		wantBody  string
		wantErr   error
		wantDelay time.Duration
		wantCode  int
	}{
		{
			name:     "string body unwrapped",
			frame:    Frame{Status: http.StatusOK, Body: json.RawMessage(`"{\"a\":1}"`)},
			wantBody: `{"a":1}`,
		},
		{
			name:     "object body passes through",
			frame:    Frame{Status: http.StatusCreated, Body: json.RawMessage(`{"a":1}`)},
			wantBody: `{"a":1}`,
		},
		{
			name:  "no content",
			frame: Frame{Status: http.StatusNoContent},
		},
		{
			name:      "rate limited with reset header",
			frame:     Frame{Status: http.StatusTooManyRequests, Headers: map[string]string{"RateLimit-Reset": "1.5"}},
			wantErr:   ErrRateLimited,
			wantDelay: 1500 * time.Millisecond,
		},
		{
			name:      "rate limited with bad header",
			frame:     Frame{Status: http.StatusTooManyRequests, Headers: map[string]string{"RateLimit-Reset": "soon"}},
			wantErr:   ErrRateLimited,
			wantDelay: fallback,
		},
		{
			name:      "rate limited error body",
			frame:     Frame{Status: http.StatusTooManyRequests, Body: json.RawMessage(`"{\"error\":\"slow down\"}"`)},
			wantErr:   ErrRateLimited,
			wantDelay: fallback,
		},
		{
			name:     "error body on 200",
			frame:    Frame{Status: http.StatusOK, Body: json.RawMessage(`{"error":{"message":"bad"}}`)},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not found",
			frame:    Frame{Status: http.StatusNotFound},
			wantCode: http.StatusNotFound,
		},
		{
			name:    "unknown status",
			frame:   Frame{Status: http.StatusBadGateway},
			wantErr: ErrUnknownStatus,
		},
		{
			name:    "malformed string body",
			frame:   Frame{Status: http.StatusOK, Body: json.RawMessage(`"not json"`)},
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := interpret(tt.frame, fallback)

			switch {
			case tt.wantCode != 0:
				var se *StatusError
				if !errors.As(err, &se) || se.Status != tt.wantCode {
					t.Fatalf("err=%v, want StatusError %d", err, tt.wantCode)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, want %v", err, tt.wantErr)
				}
				if tt.wantDelay != 0 {
					var rl *rateLimited
					if !errors.As(err, &rl) || rl.delay != tt.wantDelay {
						t.Fatalf("err=%v, want delay %s", err, tt.wantDelay)
					}
				}
			default:
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				if string(body) != tt.wantBody {
					t.Fatalf("body=%q, want %q", body, tt.wantBody)
				}
			}
		})
	}
}
