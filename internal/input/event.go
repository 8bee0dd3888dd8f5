// Package input normalizes local keyboard and pointer input into the compact
// event schema carried on the "input" data channel, and decodes that schema
// on the agent side.
package input

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType tags every input message.
type EventType string

const (
	TypeKeyDown     EventType = "KeyDown"
	TypeKeyUp       EventType = "KeyUp"
	TypeMouseMove   EventType = "MouseMove"
	TypeMouseDown   EventType = "MouseDown"
	TypeMouseUp     EventType = "MouseUp"
	TypeMouseScroll EventType = "MouseScroll"
	TypeCombo       EventType = "SpecialKeyCombo"
)

// Modifiers is the modifier state attached to a key event.
type Modifiers struct {
	Ctrl  bool `json:"ctrl"`
	Alt   bool `json:"alt"`
	Shift bool `json:"shift"`
	Meta  bool `json:"meta"`
}

// Any reports whether any modifier is set.
func (m Modifiers) Any() bool { return m.Ctrl || m.Alt || m.Shift || m.Meta }

// Location distinguishes left/right modifiers and the numeric keypad.
type Location string

const (
	LocationStandard Location = "standard"
	LocationLeft     Location = "left"
	LocationRight    Location = "right"
	LocationNumpad   Location = "numpad"
)

// KeyEvent is a key press or release.
type KeyEvent struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Code      string    `json:"code"`
	Modifiers Modifiers `json:"modifiers"`
	Location  Location  `json:"location"`
}

// Button identifies a pointer button.
type Button string

const (
	ButtonLeft    Button = "left"
	ButtonMiddle  Button = "middle"
	ButtonRight   Button = "right"
	ButtonBack    Button = "back"
	ButtonForward Button = "forward"
)

// ButtonFromIndex maps a DOM-style button index to a Button.
func ButtonFromIndex(i int) (Button, bool) {
	switch i {
	case 0:
		return ButtonLeft, true
	case 1:
		return ButtonMiddle, true
	case 2:
		return ButtonRight, true
	case 3:
		return ButtonBack, true
	case 4:
		return ButtonForward, true
	}
	return "", false
}

// PointerEvent is a move, button or scroll event in remote pixel coordinates.
type PointerEvent struct {
	Type      EventType `json:"type"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Button    Button    `json:"button,omitempty"`
	DeltaX    float64   `json:"delta_x,omitempty"`
	DeltaY    float64   `json:"delta_y,omitempty"`
	DeltaMode int       `json:"delta_mode,omitempty"`
}

// MarshalJSON always writes the scroll deltas of a MouseScroll event.
func (e PointerEvent) MarshalJSON() ([]byte, error) {
	type pointer PointerEvent
	if e.Type != TypeMouseScroll {
		return json.Marshal(pointer(e))
	}
	return json.Marshal(struct {
		Type      EventType `json:"type"`
		X         int       `json:"x"`
		Y         int       `json:"y"`
		DeltaX    float64   `json:"delta_x"`
		DeltaY    float64   `json:"delta_y"`
		DeltaMode int       `json:"delta_mode"`
	}{e.Type, e.X, e.Y, e.DeltaX, e.DeltaY, e.DeltaMode})
}

// ComboEvent asks the agent to synthesize a special key combination.
type ComboEvent struct {
	Type  EventType `json:"type"`
	Combo Combo     `json:"combo"`
}

// ErrUnknownEvent is returned by Decode for an unrecognized type tag.
var ErrUnknownEvent = errors.New("unknown input event")

// Decode parses one input message. The result is a KeyEvent, PointerEvent or ComboEvent.
func Decode(data []byte) (interface{}, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode input event: %w", err)
	}

	switch head.Type {
	case TypeKeyDown, TypeKeyUp:
		var ev KeyEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode key event: %w", err)
		}
		return ev, nil
	case TypeMouseMove, TypeMouseDown, TypeMouseUp, TypeMouseScroll:
		var ev PointerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode pointer event: %w", err)
		}
		return ev, nil
	case TypeCombo:
		var ev ComboEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode combo event: %w", err)
		}
		if !ev.Combo.Valid() {
			return nil, fmt.Errorf("%w: combo %q", ErrUnknownEvent, ev.Combo)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
}
