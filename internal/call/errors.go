package call

import (
	"errors"
	"fmt"
)

var (
	ErrRegistryClosed   = errors.New("call: registry closed")
	ErrInvalidEndpoint  = errors.New("call: remote endpoint is required")
	ErrConnectTimeout   = errors.New("call: session did not connect in time")
	ErrConnectionFailed = errors.New("call: media connection failed")
	ErrChannelNotOpen   = errors.New("call: direct connection is not open")
)

// NegotiationError reports which negotiation step failed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("call: %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func negotiationError(step string, err error) error {
	return &NegotiationError{Step: step, Err: err}
}
