// Package signaling implements the WebSocket handshake that sets up a WebRTC
// session: hello, SDP offer/answer, and trickled ICE candidates, each wrapped
// in a small JSON envelope.
package signaling

import (
	"encoding/json"
	"fmt"
)

// Envelope events. Anything else on the wire is a protocol error.
const (
	EventHello     = "hello"
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"
)

// WebSocket close codes in the application range.
const (
	CloseMalformed     = 4400 // unparseable or unknown message
	ClosePolicy        = 4403 // auth failure or denied backend
	CloseAnswerTimeout = 4408 // client never answered the offer
)

// Envelope is the wire frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes and validates a frame. Unknown events are rejected
// here so handlers only ever see the four known ones.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("signaling: invalid envelope: %w", err)
	}
	switch env.Event {
	case EventHello, EventOffer, EventAnswer, EventCandidate:
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("signaling: missing event")
	default:
		return Envelope{}, fmt.Errorf("signaling: unknown event %q", env.Event)
	}
}

// MarshalEnvelope builds a wire frame from an event and its payload.
func MarshalEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// HelloData optionally authenticates the client and selects a game server.
// Server is a catalog id ("host:port") or a bare host; Backend is the explicit
// host/port form older clients send. Backend wins when both are present.
type HelloData struct {
	Token   string       `json:"token,omitempty"`
	Server  string       `json:"server,omitempty"`
	Backend *BackendAddr `json:"backend,omitempty"`
}

// BackendAddr is an explicit backend selection inside a hello.
type BackendAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Selects reports whether the hello names a backend at all.
func (h *HelloData) Selects() bool {
	return h != nil && (h.Backend != nil || h.Server != "")
}

// DescriptionData carries an SDP offer or answer.
type DescriptionData struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidateData carries one trickled ICE candidate. Field names follow the
// browser's RTCIceCandidateInit so the payload passes through unchanged.
type CandidateData struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
