package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Header identifies the sender of a relayed event.
type Header struct {
	From           string `json:"from"`
	FromConnection string `json:"fromConnection"`
	To             string `json:"to,omitempty"`
	ToConnection   string `json:"toConnection,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// Inbound is a signal event delivered by the relay.
type Inbound struct {
	Header Header
	Signal Signal
}

type inboundWire struct {
	Header *Header         `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// ParseInbound decodes the relay "signal" event payload. The body may be the
// signal object itself or a string holding its JSON encoding.
func ParseInbound(data []byte) (Inbound, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Header == nil || wire.Header.From == "" || wire.Header.FromConnection == "" {
		return Inbound{}, fmt.Errorf("%w: missing header sender", ErrMalformed)
	}
	body, err := UnwrapJSON(wire.Body)
	if err != nil {
		return Inbound{}, err
	}
	s, err := Parse(body)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Header: *wire.Header, Signal: s}, nil
}

// UnwrapJSON returns raw unchanged when it is a JSON object or array, and the
// decoded contents when it is a JSON string holding encoded JSON.
func UnwrapJSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !json.Valid([]byte(inner)) {
		return nil, fmt.Errorf("%w: string body is not JSON", ErrMalformed)
	}
	return json.RawMessage(inner), nil
}

// Outbound is the body of POST /v1/signaling.
type Outbound struct {
	To           string `json:"to"`
	ToConnection string `json:"toConnection,omitempty"`
	Signal       string `json:"signal"`
}

// NewOutbound addresses s to an endpoint, or to one of its connections when
// toConnection is set.
func NewOutbound(to, toConnection string, s Signal) (Outbound, error) {
	if to == "" {
		return Outbound{}, fmt.Errorf("%w: missing recipient", ErrMalformed)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{To: to, ToConnection: toConnection, Signal: string(b)}, nil
}
