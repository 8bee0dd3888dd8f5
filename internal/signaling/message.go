package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies a signaling message.
type MessageType string

const (
	TypeConnected      MessageType = "connected"
	TypeSessionRequest MessageType = "session-request"
	TypeSessionAccept  MessageType = "session-accept"
	TypeSessionDeny    MessageType = "session-deny"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeICECandidate   MessageType = "ice-candidate"
	TypeError          MessageType = "error"
)

// Known reports whether t is one of the recognized message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeConnected, TypeSessionRequest, TypeSessionAccept, TypeSessionDeny,
		TypeOffer, TypeAnswer, TypeICECandidate, TypeError:
		return true
	}
	return false
}

// Message is the JSON envelope exchanged with the relay.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	// Message carries the relay's human-readable text on error messages.
	Message string `json:"message,omitempty"`
}

// SessionDescription is the payload of offer and answer messages.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// errorPayload is the alternative location of an error's text.
type errorPayload struct {
	Message string `json:"message"`
}

// ErrMissingPayload is returned when a message that needs a payload has none.
var ErrMissingPayload = errors.New("message has no payload")

// NewMessage builds a message with payload marshaled to JSON. A nil payload is omitted.
func NewMessage(t MessageType, sessionID string, payload interface{}) (Message, error) {
	msg := Message{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode parses a message from a text frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode signaling message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("signaling message has no type")
	}
	return msg, nil
}

// SessionDescription extracts the SDP from an offer or answer.
func (m Message) SessionDescription() (SessionDescription, error) {
	if len(m.Payload) == 0 {
		return SessionDescription{}, ErrMissingPayload
	}
	var sd SessionDescription
	if err := json.Unmarshal(m.Payload, &sd); err != nil {
		return SessionDescription{}, fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	if sd.SDP == "" {
		return SessionDescription{}, fmt.Errorf("%s payload has no sdp", m.Type)
	}
	return sd, nil
}

// ICECandidate extracts the candidate from an ice-candidate message.
func (m Message) ICECandidate() (webrtc.ICECandidateInit, error) {
	if len(m.Payload) == 0 {
		return webrtc.ICECandidateInit{}, ErrMissingPayload
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("failed to decode ice candidate: %w", err)
	}
	return c, nil
}

// ErrorText returns the text of an error message from either location.
func (m Message) ErrorText() string {
	if m.Message != "" {
		return m.Message
	}
	if len(m.Payload) > 0 {
		var p errorPayload
		if err := json.Unmarshal(m.Payload, &p); err == nil && p.Message != "" {
			return p.Message
		}
	}
	return "signaling error"
}

func encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	return data, nil
}
