// Package terminal proxies a remote shell over the "terminal" data channel:
// the viewer-side Session drives a local renderer, and the agent-side Host
// runs the shell in a pseudo-terminal.
package terminal

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
)

// ErrNotRunning is returned by Input before the remote shell has been started.
var ErrNotRunning = errors.New("terminal is not running")

// Grid is a terminal size in character cells.
type Grid struct {
	Cols, Rows int
}

// CellMetrics is the pixel size of one character cell.
type CellMetrics struct {
	Width, Height int
}

// GridFor fits a grid into a container of width x height pixels. The
// result is never smaller than 1x1.
func GridFor(width, height int, cell CellMetrics) Grid {
	g := Grid{Cols: 1, Rows: 1}
	if cell.Width > 0 && width/cell.Width > 1 {
		g.Cols = width / cell.Width
	}
	if cell.Height > 0 && height/cell.Height > 1 {
		g.Rows = height / cell.Height
	}
	return g
}

// Renderer draws terminal output.
type Renderer interface {
	Write(p []byte) (int, error)
	// WriteError shows an inline error line.
	WriteError(msg string)
	// SetClosed marks the remote shell as ended.
	SetClosed()
	Dispose()
}

// RendererFactory creates the renderer when the panel is first opened.
type RendererFactory func() (Renderer, error)

// State is the lifecycle of the terminal panel.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateClosed   State = "closed"
)

// Session is the viewer side of the terminal protocol.
type Session struct {
	cell    CellMetrics
	factory RendererFactory
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	ch       peer.Channel
	renderer Renderer
	grid     Grid
	state    State
	pending  bool
	started  bool
}

// NewSession creates a closed terminal panel. m may be nil.
func NewSession(cell CellMetrics, factory RendererFactory, logger *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		cell:    cell,
		factory: factory,
		logger:  logging.Component(logger, "terminal"),
		metrics: m,
		state:   StateIdle,
	}
}

// Bind attaches the "terminal" channel. A pending start is sent when the channel opens.
func (s *Session) Bind(ch peer.Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	ch.OnMessage(s.handleMessage)
	ch.OnOpen(s.tryStart)
}

// Open creates the renderer, fits the grid to the container and requests
// the remote shell.
func (s *Session) Open(width, height int) error {
	return s.OpenGrid(GridFor(width, height, s.cell))
}

// OpenGrid is Open with an explicit grid.
func (s *Session) OpenGrid(g Grid) error {
	s.mu.Lock()
	if s.renderer == nil {
		r, err := s.factory()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.renderer = r
	}
	s.grid = g
	s.pending = true
	if !s.started {
		s.state = StateStarting
	}
	s.mu.Unlock()

	s.tryStart()
	return nil
}

// tryStart sends pty-start at most once per open panel.
func (s *Session) tryStart() {
	s.mu.Lock()
	if !s.pending || s.started || s.ch == nil || !s.ch.IsOpen() {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateRunning
	ch, g := s.ch, s.grid
	s.mu.Unlock()

	s.logger.Debug("starting remote shell", "cols", g.Cols, "rows", g.Rows)
	s.send(ch, Message{Type: TypeStart, Cols: g.Cols, Rows: g.Rows})
	if s.metrics != nil {
		s.metrics.TerminalSessions.Inc()
	}
}

// Input forwards keystrokes to the remote shell.
func (s *Session) Input(p []byte) error {
	s.mu.Lock()
	ch, running := s.ch, s.started && s.state == StateRunning
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if s.metrics != nil {
		s.metrics.RecordTerminalBytes("in", len(p))
	}
	return s.send(ch, Message{Type: TypeInput, Data: p})
}

// Resize refits the grid to a container of width x height pixels.
func (s *Session) Resize(width, height int) {
	s.SetGrid(GridFor(width, height, s.cell))
}

// SetGrid sends pty-resize when g differs from the current grid.
func (s *Session) SetGrid(g Grid) {
	s.mu.Lock()
	if g == s.grid {
		s.mu.Unlock()
		return
	}
	s.grid = g
	ch, running := s.ch, s.started && s.state == StateRunning
	s.mu.Unlock()

	if running {
		s.send(ch, Message{Type: TypeResize, Cols: g.Cols, Rows: g.Rows})
	}
}

// Close asks the agent to end the shell and disposes the renderer.
func (s *Session) Close() {
	s.mu.Lock()
	ch, running := s.ch, s.started && s.state == StateRunning
	r := s.renderer
	wasStarted := s.started
	s.renderer = nil
	s.pending = false
	s.started = false
	s.state = StateIdle
	s.mu.Unlock()

	if running && ch != nil && ch.IsOpen() {
		s.send(ch, Message{Type: TypeClose})
	}
	if r != nil {
		r.Dispose()
	}
	if wasStarted && s.metrics != nil {
		s.metrics.TerminalSessions.Dec()
	}
}

// State returns the panel state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Grid returns the current grid.
func (s *Session) Grid() Grid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grid
}

func (s *Session) handleMessage(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed terminal message", logging.KeyError, err)
		if s.metrics != nil {
			s.metrics.RecordMalformed(peer.LabelTerminal)
		}
		return
	}

	s.mu.Lock()
	r := s.renderer
	ended := false
	if msg.Type == TypeClosed && r != nil {
		// The shell is gone; the next Open starts a new one.
		ended = s.started
		s.state = StateClosed
		s.started = false
		s.pending = false
	}
	s.mu.Unlock()
	if ended && s.metrics != nil {
		s.metrics.TerminalSessions.Dec()
	}
	if r == nil {
		return
	}

	switch msg.Type {
	case TypeOutput:
		if s.metrics != nil {
			s.metrics.RecordTerminalBytes("out", len(msg.Data))
		}
		if _, err := r.Write(msg.Data); err != nil {
			s.logger.Debug("renderer write failed", logging.KeyError, err)
		}
	case TypeError:
		r.WriteError(msg.Message)
	case TypeClosed:
		r.SetClosed()
	default:
		s.logger.Debug("ignoring terminal message", logging.KeyType, string(msg.Type))
	}
}

func (s *Session) send(ch peer.Channel, msg Message) error {
	text, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := ch.SendText(text); err != nil {
		s.logger.Debug("terminal send failed", logging.KeyType, string(msg.Type), logging.KeyError, err)
		return err
	}
	return nil
}
