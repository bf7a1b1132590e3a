package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrPayloadTooLarge   = errors.New("transport: payload too large")
	ErrRateLimited       = errors.New("transport: rate limited")
	ErrUnknownStatus     = errors.New("transport: unknown response status")
	ErrMalformedResponse = errors.New("transport: malformed response")
	ErrConnectionLost    = errors.New("transport: connection lost")
	ErrTimeout           = errors.New("transport: request timed out")
	ErrClosed            = errors.New("transport: channel closed")
)

// StatusError is returned when the relay answers with an explicit error
// body or a client error status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("transport: relay returned %d: %s", e.Status, msg)
}
