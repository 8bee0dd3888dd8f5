package input

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer/peertest"
)

type recordingInjector struct {
	mu       sync.Mutex
	keys     []KeyEvent
	pointers []PointerEvent
	combos   []Combo
}

func (r *recordingInjector) Key(ev KeyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, ev)
	return nil
}

func (r *recordingInjector) Pointer(ev PointerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pointers = append(r.pointers, ev)
	return nil
}

func (r *recordingInjector) Combo(c Combo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.combos = append(r.combos, c)
	return nil
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    interface{}
		wantErr error
	}{
		{
			name: "key",
			data: `{"type":"KeyDown","key":"a","code":"KeyA","modifiers":{"ctrl":true,"alt":false,"shift":false,"meta":false},"location":"standard"}`,
			want: KeyEvent{Type: TypeKeyDown, Key: "a", Code: "KeyA", Modifiers: Modifiers{Ctrl: true}, Location: LocationStandard},
		},
		{
			name: "scroll",
			data: `{"type":"MouseScroll","x":5,"y":6,"delta_y":3,"delta_mode":1}`,
			want: PointerEvent{Type: TypeMouseScroll, X: 5, Y: 6, DeltaY: 3, DeltaMode: 1},
		},
		{
			name: "combo",
			data: `{"type":"SpecialKeyCombo","combo":"win-l"}`,
			want: ComboEvent{Type: TypeCombo, Combo: ComboWinL},
		},
		{name: "unknown combo", data: `{"type":"SpecialKeyCombo","combo":"nope"}`, wantErr: ErrUnknownEvent},
		{name: "unknown type", data: `{"type":"Gamepad"}`, wantErr: ErrUnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := Decode([]byte("{")); err == nil {
		t.Error("Decode() accepted invalid JSON")
	}
}

func TestServe(t *testing.T) {
	ch := peertest.NewRecorder("input")
	inj := &recordingInjector{}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	Serve(ch, inj, logging.NopLogger(), m)

	ch.Deliver([]byte(`{"type":"KeyUp","key":"Shift","code":"ShiftLeft","modifiers":{},"location":"left"}`))
	ch.Deliver([]byte(`{"type":"MouseDown","x":1,"y":2,"button":"left"}`))
	ch.Deliver([]byte(`{"type":"SpecialKeyCombo","combo":"alt-tab"}`))
	ch.Deliver([]byte(`garbage`))

	if len(inj.keys) != 1 || inj.keys[0].Code != "ShiftLeft" {
		t.Errorf("keys = %+v", inj.keys)
	}
	if len(inj.pointers) != 1 || inj.pointers[0].Button != ButtonLeft {
		t.Errorf("pointers = %+v", inj.pointers)
	}
	if len(inj.combos) != 1 || inj.combos[0] != ComboAltTab {
		t.Errorf("combos = %+v", inj.combos)
	}
	if got := testutil.ToFloat64(m.MalformedMessages.WithLabelValues("input")); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}
