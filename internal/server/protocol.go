package server

import (
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// MessageType discriminates stream messages.
type MessageType string

// Client to server.
const (
	// TypeChunk carries one transcript update.
	TypeChunk MessageType = "chunk"

	// TypeClear resets the session: window, context, pending and
	// confirmed references.
	TypeClear MessageType = "clear"

	// TypeExternal carries references the client obtained elsewhere, for
	// example from its own language-model call.
	TypeExternal MessageType = "external"
)

// Server to client.
const (
	TypeReady      MessageType = "ready"
	TypeDetection  MessageType = "detection"
	TypeEscalation MessageType = "escalation"
	TypeResult     MessageType = "result"
	TypeCleared    MessageType = "cleared"
	TypeError      MessageType = "error"
)

// ClientMessage is one JSON text frame sent by the client.
//
//	{"type":"chunk","id":"c-17","text":"turn to romans eight","is_final":false}
//	{"type":"clear"}
//	{"type":"external","references":[{"reference":"Romans 8:28","confidence":0.9}]}
type ClientMessage struct {
	Type MessageType `json:"type"`

	// Chunk fields. An empty ID is generated; a zero timestamp is the
	// arrival time.
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"text,omitempty"`
	IsFinal   bool      `json:"is_final,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	References []ExternalReference `json:"references,omitempty"`
}

// ExternalReference is one reference in an external message. Confidence
// defaults to [defaultExternalConfidence].
type ExternalReference struct {
	Reference  string  `json:"reference"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ServerMessage is one JSON text frame sent to the client.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`

	Detection  *types.ConfirmedDetection `json:"detection,omitempty"`
	Escalation *Escalation               `json:"escalation,omitempty"`
	Result     *detect.Result            `json:"result,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Escalation tells the client that local detection was inconclusive and
// an external classifier may help. The server's own oracle, when enabled,
// is already handling it.
type Escalation struct {
	ChunkID string        `json:"chunk_id,omitempty"`
	Reason  detect.Reason `json:"reason"`
	Context string        `json:"context,omitempty"`
	Text    string        `json:"text"`
}
