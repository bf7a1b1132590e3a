// Package media is the boundary between call sessions and the WebRTC engine.
// Sessions only see the Engine and DataChannel interfaces; PionFactory backs
// them with pion/webrtc.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the direct-connection data channel.
const DataChannelLabel = "direct"

var (
	ErrClosed          = errors.New("media: engine closed")
	ErrMessageTooLarge = errors.New("media: data channel message too large")
)

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine is one peer connection.
type Engine interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	HasLocalDescription() bool
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	// CreateDataChannel opens the direct-connection channel. Callers create it
	// before the first offer so it is negotiated.
	CreateDataChannel(label string) (DataChannel, error)
	Close() error
}

type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	Close() error
}

// Handlers receive engine events. They may be called concurrently from engine
// goroutines; nil handlers are skipped.
type Handlers struct {
	// OnCandidate reports a locally gathered candidate.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnGatheringComplete fires once local gathering has finished.
	OnGatheringComplete func()
	OnConnectionState   func(ConnectionState)
	// OnDataChannel announces a channel created by the remote peer. It fires
	// before that channel's OnDataChannelOpen.
	OnDataChannel        func(DataChannel)
	OnDataChannelOpen    func(DataChannel)
	OnDataChannelClose   func(DataChannel)
	OnDataChannelMessage func(dc DataChannel, data []byte, isText bool)
	OnTrack              func(kind string)
}

type Options struct {
	ICEServers []webrtc.ICEServer
	// Audio and Video add receive transceivers so the description carries the
	// matching m= sections. Both are false for direct-connection sessions.
	Audio bool
	Video bool
}

type Factory interface {
	NewEngine(opts Options, h Handlers) (Engine, error)
}
