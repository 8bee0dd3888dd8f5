package input

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
)

// ErrGated is returned by SendCombo when input is not currently forwarded.
var ErrGated = errors.New("input relay is not forwarding")

// Relay owns the input channel for a session. Events are forwarded only
// while the capture target has focus and the session is connected.
type Relay struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	keyboard *KeyboardCapture
	pointer  *PointerCapture

	mu        sync.Mutex
	ch        peer.Channel
	focused   bool
	connected bool

	// OnFocusChange is called with the new focus state.
	OnFocusChange func(focused bool)
}

// NewRelay creates an unbound relay. m may be nil.
func NewRelay(logger *slog.Logger, m *metrics.Metrics) *Relay {
	r := &Relay{
		logger:  logging.Component(logger, "input"),
		metrics: m,
	}
	r.keyboard = NewKeyboardCapture(func(ev KeyEvent) bool { return r.forward("key", ev) })
	r.pointer = NewPointerCapture(func(ev PointerEvent) { r.forward("pointer", ev) })
	return r
}

// Bind attaches the "input" channel.
func (r *Relay) Bind(ch peer.Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
}

// Keyboard returns the keyboard capture feeding this relay.
func (r *Relay) Keyboard() *KeyboardCapture { return r.keyboard }

// Pointer returns the pointer capture feeding this relay.
func (r *Relay) Pointer() *PointerCapture { return r.pointer }

// SetConnected opens or closes the session gate.
func (r *Relay) SetConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

// Focused reports the explicit focus flag.
func (r *Relay) Focused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// Focus marks the capture target focused.
func (r *Relay) Focus() {
	r.setFocus(true)
}

// Blur releases held modifiers while still focused, then drops focus.
func (r *Relay) Blur() {
	r.keyboard.ReleaseAll()
	r.setFocus(false)
}

// VisibilityChanged releases held modifiers when the view is hidden.
func (r *Relay) VisibilityChanged(hidden bool) {
	if hidden {
		r.keyboard.ReleaseAll()
	}
}

func (r *Relay) setFocus(focused bool) {
	r.mu.Lock()
	changed := r.focused != focused
	r.focused = focused
	fn := r.OnFocusChange
	r.mu.Unlock()

	if changed && fn != nil {
		fn(focused)
	}
}

// SendCombo sends a special key combination, bypassing keyboard capture.
func (r *Relay) SendCombo(c Combo) error {
	if !c.Valid() {
		return ErrUnknownEvent
	}
	if !r.forward("combo", ComboEvent{Type: TypeCombo, Combo: c}) {
		return ErrGated
	}
	return nil
}

// forward sends v when the gate is open and reports whether it was sent.
func (r *Relay) forward(kind string, v interface{}) bool {
	r.mu.Lock()
	ch, focused, connected := r.ch, r.focused, r.connected
	r.mu.Unlock()

	switch {
	case !connected:
		r.drop("disconnected")
		return false
	case !focused:
		r.drop("unfocused")
		return false
	case ch == nil || !ch.IsOpen():
		r.drop("channel")
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode input event", logging.KeyError, err)
		return false
	}
	if err := ch.SendText(string(data)); err != nil {
		r.logger.Debug("input send failed", logging.KeyError, err)
		r.drop("send")
		return false
	}
	if r.metrics != nil {
		r.metrics.RecordInput(kind)
	}
	return true
}

func (r *Relay) drop(reason string) {
	if r.metrics != nil {
		r.metrics.RecordInputDropped(reason)
	}
}
