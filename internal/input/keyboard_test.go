package input

import (
	"testing"
)

func collectKeys() (*KeyboardCapture, *[]KeyEvent) {
	var events []KeyEvent
	k := NewKeyboardCapture(func(ev KeyEvent) bool {
		events = append(events, ev)
		return true
	})
	return k, &events
}

func rawFor(s Shortcut) RawKey {
	return RawKey{
		Code:  s.Code,
		Key:   s.Code,
		Ctrl:  s.Modifiers.Ctrl,
		Alt:   s.Modifiers.Alt,
		Shift: s.Modifiers.Shift,
		Meta:  s.Modifiers.Meta,
	}
}

func TestKeyDown_PreventDefaultTable(t *testing.T) {
	for _, s := range PreventDefaultShortcuts() {
		k, events := collectKeys()
		if !k.KeyDown(rawFor(s)) {
			t.Errorf("KeyDown(%+v) did not suppress default", s)
		}
		if len(*events) != 1 || (*events)[0].Code != s.Code || (*events)[0].Modifiers != s.Modifiers {
			t.Errorf("KeyDown(%+v) forwarded %+v", s, *events)
		}
	}
}

func TestKeyDown_NotInTableForwardedWithoutSuppression(t *testing.T) {
	tests := []RawKey{
		{Code: "KeyA", Key: "a"},
		{Code: "KeyW", Key: "w", Shift: true},
		{Code: "Enter", Key: "Enter"},
		{Code: "KeyC", Key: "c", Ctrl: true},
		{Code: "Tab", Key: "Tab", Alt: true},
		{Code: "F5", Key: "F5", Meta: true},
	}
	for _, raw := range tests {
		k, events := collectKeys()
		if k.KeyDown(raw) {
			t.Errorf("KeyDown(%+v) suppressed default", raw)
		}
		if len(*events) != 1 {
			t.Errorf("KeyDown(%+v) forwarded %d events, want 1", raw, len(*events))
		}
	}
}

func TestKeyDown_DefaultLocation(t *testing.T) {
	k, events := collectKeys()
	k.KeyDown(RawKey{Code: "KeyA", Key: "a"})
	k.KeyDown(RawKey{Code: "ShiftRight", Key: "Shift", Location: LocationRight, Shift: true})

	if got := (*events)[0].Location; got != LocationStandard {
		t.Errorf("Location = %s, want standard", got)
	}
	if got := (*events)[1].Location; got != LocationRight {
		t.Errorf("Location = %s, want right", got)
	}
}

func TestReleaseAll_CtrlShiftHeld(t *testing.T) {
	k, events := collectKeys()
	k.KeyDown(RawKey{Code: "ControlLeft", Key: "Control", Ctrl: true, Location: LocationLeft})
	k.KeyDown(RawKey{Code: "ShiftLeft", Key: "Shift", Ctrl: true, Shift: true, Location: LocationLeft})
	*events = nil

	k.ReleaseAll()

	if len(*events) != 2 {
		t.Fatalf("ReleaseAll() emitted %d events, want 2: %+v", len(*events), *events)
	}
	wantKeys := []string{"Control", "Shift"}
	for i, ev := range *events {
		if ev.Type != TypeKeyUp {
			t.Errorf("event[%d].Type = %s, want KeyUp", i, ev.Type)
		}
		if ev.Key != wantKeys[i] {
			t.Errorf("event[%d].Key = %s, want %s", i, ev.Key, wantKeys[i])
		}
		if ev.Location != LocationLeft {
			t.Errorf("event[%d].Location = %s, want left", i, ev.Location)
		}
	}
	if k.Held().Any() {
		t.Errorf("Held() = %+v after ReleaseAll, want none", k.Held())
	}

	*events = nil
	k.ReleaseAll()
	if len(*events) != 0 {
		t.Errorf("second ReleaseAll() emitted %d events, want 0", len(*events))
	}
}

func TestReleaseAll_Order(t *testing.T) {
	k, events := collectKeys()
	for _, code := range []string{"MetaRight", "ShiftRight", "AltRight", "ControlRight"} {
		k.KeyDown(RawKey{Code: code})
	}
	*events = nil

	k.ReleaseAll()

	want := []string{"ControlLeft", "AltLeft", "ShiftLeft", "MetaLeft"}
	if len(*events) != len(want) {
		t.Fatalf("emitted %d events, want %d", len(*events), len(want))
	}
	for i, ev := range *events {
		if ev.Code != want[i] {
			t.Errorf("event[%d].Code = %s, want %s", i, ev.Code, want[i])
		}
	}
}

func TestKeyUp_ClearsHeldModifier(t *testing.T) {
	k, _ := collectKeys()
	k.KeyDown(RawKey{Code: "AltLeft"})
	k.KeyUp(RawKey{Code: "AltLeft"})
	if k.Held().Alt {
		t.Error("Alt still held after KeyUp")
	}
}

func TestHeld_OnlyForwardedEvents(t *testing.T) {
	tests := []struct {
		name    string
		steps   []EventType
		forward []bool
		want    bool
	}{
		{"dropped press", []EventType{TypeKeyDown}, []bool{false}, false},
		{"forwarded press", []EventType{TypeKeyDown}, []bool{true}, true},
		{"dropped release", []EventType{TypeKeyDown, TypeKeyUp}, []bool{true, false}, true},
		{"forwarded release", []EventType{TypeKeyDown, TypeKeyUp}, []bool{true, true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := 0
			k := NewKeyboardCapture(func(KeyEvent) bool {
				ok := tt.forward[i]
				i++
				return ok
			})
			for _, step := range tt.steps {
				raw := RawKey{Code: "ControlLeft", Key: "Control", Ctrl: step == TypeKeyDown}
				if step == TypeKeyDown {
					k.KeyDown(raw)
				} else {
					k.KeyUp(raw)
				}
			}
			if got := k.Held().Ctrl; got != tt.want {
				t.Errorf("Held().Ctrl = %v, want %v", got, tt.want)
			}
		})
	}
}
