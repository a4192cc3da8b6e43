// Package control defines the matchmaking control channel: the JSON message
// grammar shared by the server hub and the endpoint agents, and the websocket
// client used by hosts, clients and viewers.
package control

import "encoding/json"

// Message types. register-* operations are fire-and-forget; find-* operations
// are request/response pairs correlated by the ID field; offer/answer/ice are
// relayed verbatim to the connection registered under To, with From stamped by
// the server.
const (
	TypeHello              = "hello"
	TypeWelcome            = "welcome"
	TypeRegisterHost       = "register-host"
	TypeFindMyHost         = "find-my-host"
	TypeRegisterWebPreview = "register-webreview"
	TypeFindWebPreviewHost = "find-webreview-host"
	TypeHostFound          = "host-found"
	TypeHeartbeat          = "heartbeat"
	TypeOffer              = "offer"
	TypeAnswer             = "answer"
	TypeICE                = "ice"
	TypeError              = "error"
)

// Message is the framing for every control-channel exchange.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsSignal reports whether the message is part of a peer-session signaling
// exchange and must be relayed rather than handled by the server.
func (m Message) IsSignal() bool {
	return m.Type == TypeOffer || m.Type == TypeAnswer || m.Type == TypeICE
}

type Hello struct {
	PeerID string `json:"peerId,omitempty"`
}

type Welcome struct {
	PeerID string `json:"peerId"`
}

type RegisterHost struct {
	Token string `json:"token"`
}

type FindMyHost struct {
	Token string `json:"token"`
}

type RegisterWebPreview struct {
	ProjectID string `json:"projectId"`
}

type FindWebPreviewHost struct {
	ProjectID string `json:"projectId"`
}

type HostFound struct {
	HostPeerID string `json:"hostPeerId"`
}

// Error codes carried by TypeError replies.
const (
	CodeNotFound     = "not-found"
	CodeUnauthorized = "unauthorized"
	CodePeerUnknown  = "peer-unknown"
	CodeBadRequest   = "bad-request"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage builds a Message with a marshaled payload. It panics only on
// unmarshalable payload types, which is a programming error.
func NewMessage(msgType, id string, payload any) Message {
	m := Message{Type: msgType, ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("control: unmarshalable payload: " + err.Error())
		}
		m.Payload = b
	}
	return m
}
