// Package signal defines the call negotiation envelope exchanged between
// endpoints through the relay, and the relay framing around it.
package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Version is stamped on every outbound signal.
const Version = "1.0"

type Type string

const (
	TypeOffer         Type = "offer"
	TypeAnswer        Type = "answer"
	TypeConnected     Type = "connected"
	TypeBye           Type = "bye"
	TypeICECandidates Type = "iceCandidates"
)

type Target string

const (
	TargetCall             Target = "call"
	TargetDirectConnection Target = "directConnection"
)

var (
	ErrMalformed       = errors.New("signal: malformed envelope")
	ErrUnsupportedType = errors.New("signal: unsupported signal type")
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	Candidate        string  `json:"candidate"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		Candidate:        init.Candidate,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Key identifies a candidate for de-duplication between trickled and final
// batches.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

// Signal is the negotiation envelope. Only the fields relevant to SignalType
// are set.
type Signal struct {
	SignalType Type   `json:"signalType"`
	Version    string `json:"version"`
	Target     Target `json:"target"`
	SessionID  string `json:"sessionId"`
	SignalID   string `json:"signalId"`

	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	ConnectionID       string              `json:"connectionId,omitempty"`
	ICECandidates      []Candidate         `json:"iceCandidates,omitempty"`
	FinalCandidates    []Candidate         `json:"finalCandidates,omitempty"`
}

// New returns a signal header with a fresh signal id.
func New(t Type, target Target, sessionID string) Signal {
	return Signal{
		SignalType: t,
		Version:    Version,
		Target:     target,
		SessionID:  sessionID,
		SignalID:   uuid.NewString(),
	}
}

func NewDescription(target Target, sessionID string, desc webrtc.SessionDescription) Signal {
	t := TypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		t = TypeAnswer
	}
	s := New(t, target, sessionID)
	s.SessionDescription = DescriptionFromPion(desc)
	return s
}

func NewConnected(target Target, sessionID, connectionID string) Signal {
	s := New(TypeConnected, target, sessionID)
	s.ConnectionID = connectionID
	return s
}

func NewBye(target Target, sessionID string) Signal {
	return New(TypeBye, target, sessionID)
}

func NewCandidates(target Target, sessionID string, candidates []Candidate) Signal {
	s := New(TypeICECandidates, target, sessionID)
	s.ICECandidates = candidates
	return s
}

// NewFinalCandidates carries the complete gathered set for peers that do not
// apply trickled candidates.
func NewFinalCandidates(target Target, sessionID string, candidates []Candidate) Signal {
	s := New(TypeICECandidates, target, sessionID)
	s.FinalCandidates = candidates
	return s
}

// Candidates returns the trickled candidates followed by the final batch.
func (s Signal) Candidates() []Candidate {
	if len(s.FinalCandidates) == 0 {
		return s.ICECandidates
	}
	out := make([]Candidate, 0, len(s.ICECandidates)+len(s.FinalCandidates))
	out = append(out, s.ICECandidates...)
	return append(out, s.FinalCandidates...)
}

// Parse strictly decodes a single signal object.
func Parse(data []byte) (Signal, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var s Signal
	if err := dec.Decode(&s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Signal{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (s Signal) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	switch s.Target {
	case TargetCall, TargetDirectConnection:
	default:
		return fmt.Errorf("%w: unsupported target %q", ErrMalformed, s.Target)
	}

	hasCandidates := len(s.ICECandidates) > 0 || len(s.FinalCandidates) > 0
	switch s.SignalType {
	case TypeOffer, TypeAnswer:
		if s.SessionDescription == nil || s.SessionDescription.SDP == "" {
			return fmt.Errorf("%w: %s missing sessionDescription", ErrMalformed, s.SignalType)
		}
		if s.SessionDescription.Type != string(s.SignalType) {
			return fmt.Errorf("%w: %s has sessionDescription.type=%q", ErrMalformed, s.SignalType, s.SessionDescription.Type)
		}
		if hasCandidates || s.ConnectionID != "" {
			return fmt.Errorf("%w: %s has unexpected fields", ErrMalformed, s.SignalType)
		}
	case TypeConnected:
		// A missing connectionId is accepted here; the session treats it as a
		// lost answer race.
		if s.SessionDescription != nil || hasCandidates {
			return fmt.Errorf("%w: connected has unexpected fields", ErrMalformed)
		}
	case TypeBye:
		if s.SessionDescription != nil || hasCandidates || s.ConnectionID != "" {
			return fmt.Errorf("%w: bye has unexpected fields", ErrMalformed)
		}
	case TypeICECandidates:
		if !hasCandidates {
			return fmt.Errorf("%w: iceCandidates without candidates", ErrMalformed)
		}
		if s.SessionDescription != nil || s.ConnectionID != "" {
			return fmt.Errorf("%w: iceCandidates has unexpected fields", ErrMalformed)
		}
		for i, c := range s.Candidates() {
			if c.SDPMid == nil && c.SDPMLineIndex == nil {
				return fmt.Errorf("%w: candidate %d has neither sdpMid nor sdpMLineIndex", ErrMalformed, i)
			}
		}
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedType, s.SignalType)
	}
	return nil
}
