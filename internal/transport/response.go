package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// acceptedStatuses are the statuses the relay is known to produce. Anything
// else is reported as ErrUnknownStatus.
var acceptedStatuses = map[int]bool{
	http.StatusOK:           true,
	http.StatusCreated:      true,
	http.StatusNoContent:    true,
	http.StatusResetContent: true,
	http.StatusFound:        true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusTeapot:       true,
}

// rateLimited marks a 429 so the lane can retry it.
type rateLimited struct {
	delay time.Duration
}

func (r *rateLimited) Error() string {
	return fmt.Sprintf("transport: rate limited, retry in %s", r.delay)
}

func (r *rateLimited) Unwrap() error { return ErrRateLimited }

// interpret maps a response frame to its unwrapped body or an error.
func interpret(resp Frame, defaultDelay time.Duration) (json.RawMessage, error) {
	body, err := unwrapBody(resp.Body)
	if err != nil {
		return nil, err
	}

	if msg, ok := errorMessage(body); ok {
		if resp.Status == http.StatusTooManyRequests {
			return nil, &rateLimited{delay: retryDelay(resp.Headers, defaultDelay)}
		}
		status := resp.Status
		if status < 400 {
			status = http.StatusBadRequest
		}
		return nil, &StatusError{Status: status, Message: msg}
	}
	if resp.Status == http.StatusTooManyRequests {
		return nil, &rateLimited{delay: retryDelay(resp.Headers, defaultDelay)}
	}
	if !acceptedStatuses[resp.Status] {
		return nil, fmt.Errorf("%w %d", ErrUnknownStatus, resp.Status)
	}
	if resp.Status >= 400 {
		return nil, &StatusError{Status: resp.Status}
	}
	return body, nil
}

// unwrapBody decodes a string-encoded JSON body. Object, array and empty
// bodies pass through unchanged.
func unwrapBody(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(inner) == "" {
		return nil, nil
	}
	if !json.Valid([]byte(inner)) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}
	return json.RawMessage(inner), nil
}

func errorMessage(body json.RawMessage) (string, bool) {
	if len(body) == 0 || body[0] != '{' {
		return "", false
	}
	var probe struct {
		Error *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Error == nil {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(*probe.Error, &msg); err == nil {
		return msg, true
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(*probe.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	return string(*probe.Error), true
}

// retryDelay reads RateLimit-Reset (seconds, possibly fractional).
func retryDelay(headers map[string]string, fallback time.Duration) time.Duration {
	for k, v := range headers {
		if !strings.EqualFold(k, HeaderRateLimitReset) {
			continue
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return fallback
		}
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
