package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket control payload variants. Audio moves
// as binary frames outside this envelope.
type MessageType string

const (
	TypeSessionStart   MessageType = "session_start"
	TypeSessionStarted MessageType = "session_started"
	TypeSessionEnd     MessageType = "session_end"
	TypeTranscript     MessageType = "transcript"
	TypeError          MessageType = "error"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

// Error taxonomy. Raw collaborator errors are never forwarded to the
// client; they are translated into one of these codes first.
const (
	CodeAuthFailed               = "AUTH_FAILED"
	CodeRateLimited              = "RATE_LIMITED"
	CodeTranscriptionUnavailable = "TRANSCRIPTION_UNAVAILABLE"
	CodeGenerationUnavailable    = "GENERATION_UNAVAILABLE"
	CodeSynthesisUnavailable     = "SYNTHESIS_UNAVAILABLE"
	CodeCostCapExceeded          = "COST_CAP_EXCEEDED"
	CodeTransportDisconnected    = "TRANSPORT_DISCONNECTED"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SessionStart is the required first client message. SessionID is set
// only when resuming a disconnected session within its grace period.
type SessionStart struct {
	Type       MessageType `json:"type"`
	Credential string      `json:"credential"`
	SessionID  string      `json:"session_id,omitempty"`
}

type SessionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SessionEnd struct {
	Type MessageType `json:"type"`
}

type Transcript struct {
	Type  MessageType `json:"type"`
	Text  string      `json:"text"`
	Final bool        `json:"final"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// ParseClientMessage decodes a text message from the client. Binary
// audio frames never pass through here.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Credential) == "" {
			return nil, errors.New("session_start requires a credential")
		}
		return msg, nil
	case TypeSessionEnd:
		var msg SessionEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypePong:
		return Pong{Type: TypePong}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
