package input

import "sync"

// RawKey is a key event as delivered by the local windowing layer.
type RawKey struct {
	Key      string
	Code     string
	Ctrl     bool
	Alt      bool
	Shift    bool
	Meta     bool
	Location Location
}

func (r RawKey) modifiers() Modifiers {
	return Modifiers{Ctrl: r.Ctrl, Alt: r.Alt, Shift: r.Shift, Meta: r.Meta}
}

// Shortcut is a (code, modifiers) pair whose local default action is suppressed.
type Shortcut struct {
	Code      string
	Modifiers Modifiers
}

var (
	none      = Modifiers{}
	ctrl      = Modifiers{Ctrl: true}
	shift     = Modifiers{Shift: true}
	alt       = Modifiers{Alt: true}
	meta      = Modifiers{Meta: true}
	ctrlShift = Modifiers{Ctrl: true, Shift: true}
)

// preventDefault lists browser and OS shortcuts that must reach the remote
// machine instead of acting locally.
var preventDefault = buildTable(
	codes(none, "Tab", "Backspace", "F1", "F2", "F3", "F4", "F5", "F6",
		"F7", "F8", "F9", "F10", "F11", "F12", "ContextMenu"),
	codes(shift, "Tab", "F10"),
	codes(ctrl, "KeyA", "KeyD", "KeyF", "KeyG", "KeyH", "KeyJ", "KeyK", "KeyL",
		"KeyN", "KeyO", "KeyP", "KeyR", "KeyS", "KeyT", "KeyU", "KeyW",
		"Tab", "F4", "F5", "Minus", "Equal", "Digit0"),
	codes(ctrlShift, "Tab", "KeyI", "KeyJ", "KeyN", "KeyR", "KeyT", "KeyW", "Delete"),
	codes(alt, "ArrowLeft", "ArrowRight", "Home", "F4"),
	codes(meta, "KeyL", "KeyN", "KeyQ", "KeyR", "KeyT", "KeyW"),
)

func codes(mods Modifiers, list ...string) []Shortcut {
	out := make([]Shortcut, 0, len(list))
	for _, c := range list {
		out = append(out, Shortcut{Code: c, Modifiers: mods})
	}
	return out
}

func buildTable(groups ...[]Shortcut) map[Shortcut]struct{} {
	table := make(map[Shortcut]struct{})
	for _, g := range groups {
		for _, s := range g {
			table[s] = struct{}{}
		}
	}
	return table
}

// ShouldPreventDefault reports whether the local default action for code
// with mods is suppressed.
func ShouldPreventDefault(code string, mods Modifiers) bool {
	_, ok := preventDefault[Shortcut{Code: code, Modifiers: mods}]
	return ok
}

// PreventDefaultShortcuts returns every suppressed pair.
func PreventDefaultShortcuts() []Shortcut {
	out := make([]Shortcut, 0, len(preventDefault))
	for s := range preventDefault {
		out = append(out, s)
	}
	return out
}

// modifierKeys maps modifier key codes to the flag they hold.
var modifierKeys = map[string]func(*Modifiers, bool){
	"ControlLeft":  func(m *Modifiers, v bool) { m.Ctrl = v },
	"ControlRight": func(m *Modifiers, v bool) { m.Ctrl = v },
	"AltLeft":      func(m *Modifiers, v bool) { m.Alt = v },
	"AltRight":     func(m *Modifiers, v bool) { m.Alt = v },
	"ShiftLeft":    func(m *Modifiers, v bool) { m.Shift = v },
	"ShiftRight":   func(m *Modifiers, v bool) { m.Shift = v },
	"MetaLeft":     func(m *Modifiers, v bool) { m.Meta = v },
	"MetaRight":    func(m *Modifiers, v bool) { m.Meta = v },
	"OSLeft":       func(m *Modifiers, v bool) { m.Meta = v },
	"OSRight":      func(m *Modifiers, v bool) { m.Meta = v },
}

// KeyboardCapture converts raw key events to KeyEvents and tracks the
// modifiers the remote side has seen pressed so they can be released when
// focus is lost.
type KeyboardCapture struct {
	emit func(KeyEvent) bool

	mu   sync.Mutex
	held Modifiers
}

// NewKeyboardCapture creates a capture forwarding events to emit, which
// reports whether the event reached the remote side.
func NewKeyboardCapture(emit func(KeyEvent) bool) *KeyboardCapture {
	return &KeyboardCapture{emit: emit}
}

// KeyDown forwards a key press and reports whether the local default must be suppressed.
func (k *KeyboardCapture) KeyDown(raw RawKey) bool {
	return k.handle(TypeKeyDown, raw)
}

// KeyUp forwards a key release and reports whether the local default must be suppressed.
func (k *KeyboardCapture) KeyUp(raw RawKey) bool {
	return k.handle(TypeKeyUp, raw)
}

func (k *KeyboardCapture) handle(t EventType, raw RawKey) bool {
	loc := raw.Location
	if loc == "" {
		loc = LocationStandard
	}
	mods := raw.modifiers()
	sent := k.emit(KeyEvent{
		Type:      t,
		Key:       raw.Key,
		Code:      raw.Code,
		Modifiers: mods,
		Location:  loc,
	})

	// A dropped press never reached the remote side and a dropped release
	// leaves the key down there.
	if set, ok := modifierKeys[raw.Code]; ok && sent {
		k.mu.Lock()
		set(&k.held, t == TypeKeyDown)
		k.mu.Unlock()
	}
	return ShouldPreventDefault(raw.Code, mods)
}

// Held returns the modifiers currently believed to be down.
func (k *KeyboardCapture) Held() Modifiers {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.held
}

// ReleaseAll emits a KeyUp for every held modifier in the order ctrl, alt,
// shift, meta and clears the record.
func (k *KeyboardCapture) ReleaseAll() {
	k.mu.Lock()
	held := k.held
	k.held = Modifiers{}
	k.mu.Unlock()

	releases := []struct {
		down bool
		key  string
		code string
	}{
		{held.Ctrl, "Control", "ControlLeft"},
		{held.Alt, "Alt", "AltLeft"},
		{held.Shift, "Shift", "ShiftLeft"},
		{held.Meta, "Meta", "MetaLeft"},
	}
	for _, r := range releases {
		if !r.down {
			continue
		}
		k.emit(KeyEvent{
			Type:     TypeKeyUp,
			Key:      r.key,
			Code:     r.code,
			Location: LocationLeft,
		})
	}
}
