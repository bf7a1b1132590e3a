package transport

import "encoding/json"

type FrameType string

const (
	FrameWelcome  FrameType = "welcome"
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// EventClass names an inbound event stream.
type EventClass string

const (
	EventJoin     EventClass = "join"
	EventLeave    EventClass = "leave"
	EventMessage  EventClass = "message"
	EventSignal   EventClass = "signal"
	EventPresence EventClass = "presence"

	// Published locally by the channel, never sent by the relay.
	EventDisconnect EventClass = "disconnect"
	EventReconnect  EventClass = "reconnect"
)

// Frame is the unit exchanged over the relay websocket. Which fields are set
// depends on Type:
//
//	welcome:  connectionId, endpoint
//	request:  id, method, path, body
//	response: id, status, headers, body (a JSON string holding encoded JSON)
//	event:    event, data
type Frame struct {
	Type         FrameType         `json:"type"`
	ID           string            `json:"id,omitempty"`
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	Status       int               `json:"status,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	Event        EventClass        `json:"event,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
}

// Event is delivered to subscribers.
type Event struct {
	Class EventClass
	Data  json.RawMessage
}

// Presence is the data of join, leave and presence events.
type Presence struct {
	Endpoint     string   `json:"endpoint"`
	ConnectionID string   `json:"connectionId,omitempty"`
	Connections  []string `json:"connections,omitempty"`
}

// PresenceList is the body of GET /v1/presence.
type PresenceList struct {
	Endpoints []Presence `json:"endpoints"`
}

// Message is the data of a message event and the body of POST /v1/messages
// (with To set instead of From).
type Message struct {
	From           string `json:"from,omitempty"`
	FromConnection string `json:"fromConnection,omitempty"`
	To             string `json:"to,omitempty"`
	Text           string `json:"text"`
}

// Relay REST routes carried in request frames.
const (
	PathSignaling = "/v1/signaling"
	PathMessages  = "/v1/messages"
	PathTURN      = "/v1/turn"
	PathPresence  = "/v1/presence"
)

// Header names used in response frames.
const (
	HeaderRateLimitReset = "RateLimit-Reset"
)
