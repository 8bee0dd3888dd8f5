package terminal

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/peer/peertest"
)

type fakeRenderer struct {
	mu       sync.Mutex
	output   []byte
	errors   []string
	closed   bool
	disposed bool
}

func (r *fakeRenderer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, p...)
	return len(p), nil
}

func (r *fakeRenderer) WriteError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *fakeRenderer) SetClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *fakeRenderer) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
}

var testCell = CellMetrics{Width: 10, Height: 20}

func newTestSession(t *testing.T) (*Session, *peertest.Endpoint, *fakeRenderer, *metrics.Metrics) {
	t.Helper()
	r := &fakeRenderer{}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	s := NewSession(testCell, func() (Renderer, error) { return r, nil }, logging.NopLogger(), m)
	ch := peertest.NewRecorder(peer.LabelTerminal)
	s.Bind(ch)
	return s, ch, r, m
}

func sentMessages(t *testing.T, ch *peertest.Endpoint) []Message {
	t.Helper()
	var out []Message
	for _, raw := range ch.Sent() {
		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("sent undecodable message %s: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

func encodeT(t *testing.T, msg Message) []byte {
	t.Helper()
	text, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return []byte(text)
}

func TestGridFor(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		cell          CellMetrics
		want          Grid
	}{
		{"exact", 800, 480, testCell, Grid{80, 24}},
		{"partial cells", 1009, 619, testCell, Grid{100, 30}},
		{"empty container", 0, 0, testCell, Grid{1, 1}},
		{"no cell metrics", 800, 480, CellMetrics{}, Grid{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GridFor(tt.width, tt.height, tt.cell); got != tt.want {
				t.Errorf("GridFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSession_StartWaitsForChannelOpen(t *testing.T) {
	s, ch, _, _ := newTestSession(t)

	if err := s.OpenGrid(Grid{80, 24}); err != nil {
		t.Fatalf("OpenGrid() error = %v", err)
	}
	if got := len(ch.Sent()); got != 0 {
		t.Fatalf("sent %d messages before channel open, want 0", got)
	}
	if s.State() != StateStarting {
		t.Errorf("State() = %s, want %s", s.State(), StateStarting)
	}

	ch.Open()
	// A second open of the panel must not start another shell.
	s.OpenGrid(Grid{80, 24})

	msgs := sentMessages(t, ch)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != TypeStart || msgs[0].Cols != 80 || msgs[0].Rows != 24 {
		t.Errorf("start message = %+v, want pty-start 80x24", msgs[0])
	}
	if s.State() != StateRunning {
		t.Errorf("State() = %s, want %s", s.State(), StateRunning)
	}
}

func TestSession_ResizeOnlyOnChange(t *testing.T) {
	s, ch, _, _ := newTestSession(t)
	ch.Open()
	s.OpenGrid(Grid{80, 24})
	ch.Reset()

	s.SetGrid(Grid{100, 30})
	s.SetGrid(Grid{100, 30})
	s.Resize(1000, 600)

	msgs := sentMessages(t, ch)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want exactly 1: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != TypeResize || msgs[0].Cols != 100 || msgs[0].Rows != 30 {
		t.Errorf("resize message = %+v, want pty-resize 100x30", msgs[0])
	}
}

func TestSession_ResizeBeforeStart(t *testing.T) {
	s, ch, _, _ := newTestSession(t)
	s.OpenGrid(Grid{80, 24})
	s.SetGrid(Grid{120, 40})
	ch.Open()

	msgs := sentMessages(t, ch)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != TypeStart || msgs[0].Cols != 120 || msgs[0].Rows != 40 {
		t.Errorf("start message = %+v, want pty-start 120x40", msgs[0])
	}
}

func TestSession_Input(t *testing.T) {
	s, ch, _, _ := newTestSession(t)

	if err := s.Input([]byte("ls\r")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Input() before start error = %v, want ErrNotRunning", err)
	}

	ch.Open()
	s.OpenGrid(Grid{80, 24})
	ch.Reset()

	if err := s.Input([]byte("ls\r")); err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	msgs := sentMessages(t, ch)
	if len(msgs) != 1 || msgs[0].Type != TypeInput || string(msgs[0].Data) != "ls\r" {
		t.Fatalf("sent %+v, want one pty-input \"ls\\r\"", msgs)
	}
}

func TestSession_RemoteMessages(t *testing.T) {
	s, ch, r, m := newTestSession(t)
	ch.Open()
	s.OpenGrid(Grid{80, 24})

	ch.Deliver(encodeT(t, Message{Type: TypeOutput, Data: []byte("hello\r\n")}))
	ch.Deliver(encodeT(t, Message{Type: TypeError, Message: "no shell"}))
	ch.Deliver([]byte(`{"type":"pty-bogus"}`))
	ch.Deliver([]byte(`not json`))
	ch.Deliver(encodeT(t, Message{Type: TypeClosed}))

	r.mu.Lock()
	defer r.mu.Unlock()
	if string(r.output) != "hello\r\n" {
		t.Errorf("renderer output = %q, want %q", r.output, "hello\r\n")
	}
	if len(r.errors) != 1 || r.errors[0] != "no shell" {
		t.Errorf("renderer errors = %v, want [no shell]", r.errors)
	}
	if !r.closed {
		t.Error("renderer not marked closed after pty-closed")
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want %s", s.State(), StateClosed)
	}
	if got := testutil.ToFloat64(m.MalformedMessages.WithLabelValues(peer.LabelTerminal)); got != 2 {
		t.Errorf("malformed count = %v, want 2", got)
	}
}

func TestSession_CloseAndReopen(t *testing.T) {
	s, ch, r, _ := newTestSession(t)
	ch.Open()
	s.OpenGrid(Grid{80, 24})
	ch.Reset()

	s.Close()

	msgs := sentMessages(t, ch)
	if len(msgs) != 1 || msgs[0].Type != TypeClose {
		t.Fatalf("sent %+v, want one pty-close", msgs)
	}
	if !r.disposed {
		t.Error("renderer not disposed")
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %s, want %s", s.State(), StateIdle)
	}

	ch.Reset()
	s.OpenGrid(Grid{80, 24})
	msgs = sentMessages(t, ch)
	if len(msgs) != 1 || msgs[0].Type != TypeStart {
		t.Fatalf("sent %+v after reopen, want one pty-start", msgs)
	}
}

func TestSession_RestartAfterRemoteExit(t *testing.T) {
	s, ch, _, m := newTestSession(t)
	ch.Open()
	s.OpenGrid(Grid{80, 24})
	ch.Deliver(encodeT(t, Message{Type: TypeClosed}))

	if err := s.Input([]byte("ls\r")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Input() after exit error = %v, want ErrNotRunning", err)
	}
	if got := testutil.ToFloat64(m.TerminalSessions); got != 0 {
		t.Errorf("terminal sessions = %v after exit, want 0", got)
	}

	ch.Reset()
	if err := s.OpenGrid(Grid{100, 30}); err != nil {
		t.Fatal(err)
	}
	msgs := sentMessages(t, ch)
	if len(msgs) != 1 || msgs[0].Type != TypeStart || msgs[0].Cols != 100 || msgs[0].Rows != 30 {
		t.Fatalf("sent %+v after reopen, want one pty-start 100x30", msgs)
	}
	if s.State() != StateRunning {
		t.Errorf("State() = %s, want %s", s.State(), StateRunning)
	}
	if got := testutil.ToFloat64(m.TerminalSessions); got != 1 {
		t.Errorf("terminal sessions = %v, want 1", got)
	}
}

func TestSession_CloseOnClosedChannel(t *testing.T) {
	s, ch, r, _ := newTestSession(t)
	ch.Open()
	s.OpenGrid(Grid{80, 24})
	ch.Close()

	// Must not panic or block.
	s.Close()
	if !r.disposed {
		t.Error("renderer not disposed")
	}
}

func TestSession_RendererFactoryError(t *testing.T) {
	wantErr := errors.New("no display")
	s := NewSession(testCell, func() (Renderer, error) { return nil, wantErr }, nil, nil)
	ch := peertest.NewRecorder(peer.LabelTerminal)
	s.Bind(ch)
	ch.Open()

	if err := s.OpenGrid(Grid{80, 24}); !errors.Is(err, wantErr) {
		t.Fatalf("OpenGrid() error = %v, want %v", err, wantErr)
	}
	if len(ch.Sent()) != 0 {
		t.Error("pty-start sent without a renderer")
	}
}
