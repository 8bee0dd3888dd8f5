package terminal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/recovery"
)

const (
	defaultCols = 80
	defaultRows = 24

	readBufferSize = 32 * 1024
	drainTimeout   = time.Second
)

// Host is the agent side of the terminal protocol. It runs one shell per
// channel and streams its output back as pty-output messages.
type Host struct {
	cfg     ShellConfig
	start   func(ShellConfig, uint16, uint16) (PTY, error)
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	ch  peer.Channel
	pty PTY
}

// NewHost creates a host that spawns shells described by cfg. m may be nil.
func NewHost(cfg ShellConfig, logger *slog.Logger, m *metrics.Metrics) *Host {
	return &Host{
		cfg:     cfg,
		start:   StartPTY,
		logger:  logging.Component(logger, "terminal-host"),
		metrics: m,
	}
}

// Serve handles terminal messages arriving on ch. The shell is killed when ch closes.
func (h *Host) Serve(ch peer.Channel) {
	h.mu.Lock()
	h.ch = ch
	h.mu.Unlock()

	ch.OnMessage(h.handle)
	ch.OnClose(h.Close)
}

// Close kills the running shell, if any.
func (h *Host) Close() {
	h.mu.Lock()
	p := h.pty
	h.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// Running reports whether a shell is attached.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pty != nil
}

func (h *Host) handle(data []byte) {
	defer recovery.RecoverWithLog(h.logger, "terminal.Host.handle")

	msg, err := Decode(data)
	if err != nil {
		h.logger.Warn("dropping malformed terminal message", logging.KeyError, err)
		if h.metrics != nil {
			h.metrics.RecordMalformed(peer.LabelTerminal)
		}
		return
	}

	h.mu.Lock()
	p := h.pty
	h.mu.Unlock()

	switch msg.Type {
	case TypeStart:
		if p != nil {
			h.send(Message{Type: TypeError, Message: "terminal already running"})
			return
		}
		h.startShell(msg.Cols, msg.Rows)
	case TypeInput:
		if p == nil {
			return
		}
		if h.metrics != nil {
			h.metrics.RecordTerminalBytes("in", len(msg.Data))
		}
		if _, err := p.Write(msg.Data); err != nil {
			h.logger.Debug("pty write failed", logging.KeyError, err)
		}
	case TypeResize:
		if p == nil || msg.Cols <= 0 || msg.Rows <= 0 {
			return
		}
		if err := p.Resize(uint16(msg.Cols), uint16(msg.Rows)); err != nil {
			h.logger.Debug("pty resize failed", logging.KeyError, err)
		}
	case TypeClose:
		if p != nil {
			p.Close()
		}
	default:
		h.logger.Debug("ignoring terminal message", logging.KeyType, string(msg.Type))
	}
}

func (h *Host) startShell(cols, rows int) {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	p, err := h.start(h.cfg, uint16(cols), uint16(rows))
	if err != nil {
		h.logger.Error("failed to start shell", logging.KeyError, err)
		h.send(Message{Type: TypeError, Message: err.Error()})
		return
	}

	h.mu.Lock()
	h.pty = p
	h.mu.Unlock()

	h.logger.Info("shell started", "cols", cols, "rows", rows)
	if h.metrics != nil {
		h.metrics.TerminalSessions.Inc()
	}

	drained := make(chan struct{})
	go h.pump(p, drained)
	go h.wait(p, drained)
}

func (h *Host) pump(p PTY, drained chan<- struct{}) {
	defer close(drained)
	defer recovery.RecoverWithLog(h.logger, "terminal.Host.pump")

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			if h.metrics != nil {
				h.metrics.RecordTerminalBytes("out", n)
			}
			h.send(Message{Type: TypeOutput, Data: out})
		}
		if err != nil {
			return
		}
	}
}

func (h *Host) wait(p PTY, drained <-chan struct{}) {
	code := p.Wait()

	// Processes that inherited the terminal can keep it open after the shell exits.
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}
	p.Close()

	h.mu.Lock()
	if h.pty == p {
		h.pty = nil
	}
	h.mu.Unlock()

	h.logger.Info("shell exited", "exit_code", code)
	if h.metrics != nil {
		h.metrics.TerminalSessions.Dec()
	}
	h.send(Message{Type: TypeClosed})
}

func (h *Host) send(msg Message) {
	h.mu.Lock()
	ch := h.ch
	h.mu.Unlock()
	if ch == nil || !ch.IsOpen() {
		return
	}
	text, err := Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode terminal message", logging.KeyError, err)
		return
	}
	if err := ch.SendText(text); err != nil {
		h.logger.Debug("terminal send failed", logging.KeyType, string(msg.Type), logging.KeyError, err)
	}
}
