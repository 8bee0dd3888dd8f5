package terminal

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a terminal channel message.
type MessageType string

const (
	TypeStart  MessageType = "pty-start"
	TypeInput  MessageType = "pty-input"
	TypeOutput MessageType = "pty-output"
	TypeResize MessageType = "pty-resize"
	TypeClose  MessageType = "pty-close"
	TypeError  MessageType = "pty-error"
	TypeClosed MessageType = "pty-closed"
)

// Message is one terminal channel message. Data is base64 on the wire.
type Message struct {
	Type    MessageType `json:"type"`
	Cols    int         `json:"cols,omitempty"`
	Rows    int         `json:"rows,omitempty"`
	Data    []byte      `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Encode marshals m for SendText.
func Encode(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return string(data), nil
}

// Decode parses a terminal message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode terminal message: %w", err)
	}
	switch m.Type {
	case TypeStart, TypeInput, TypeOutput, TypeResize, TypeClose, TypeError, TypeClosed:
		return m, nil
	}
	return Message{}, fmt.Errorf("unknown terminal message type %q", m.Type)
}
