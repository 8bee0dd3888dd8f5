// Package session drives one viewer session: it negotiates the peer
// transport through the signaling relay and binds the input, terminal and
// file transfer protocols to their channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/postalsys/deskline/internal/filetransfer"
	"github.com/postalsys/deskline/internal/input"
	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/signaling"
	"github.com/postalsys/deskline/internal/terminal"
)

// Status is the session state shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// DenyMessage is reported when the remote user rejects the request.
const DenyMessage = "Remote user denied the connection request"

var (
	// ErrDisconnected is returned by the wait functions once the session has ended.
	ErrDisconnected = errors.New("session disconnected")
	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("session already started")
)

// Transport is the peer connection a session negotiates. *peer.Manager implements it.
type Transport interface {
	Create() error
	CreateOffer() (string, error)
	HandleAnswer(sdp string) (bool, error)
	AddICECandidate(c webrtc.ICECandidateInit) error
	OpenChannel(label string) (peer.Channel, error)
	OnStateChange(fn func(peer.State))
	OnChannelReady(fn func(label string, ch peer.Channel))
	OnICECandidate(fn func(c webrtc.ICECandidateInit))
	Close() error
}

// Signaler is the relay socket as seen by the session.
type Signaler interface {
	Send(ctx context.Context, msg signaling.Message) error
	Close() error
}

// Dialer opens the relay socket and routes its inbound messages to events.
type Dialer func(ctx context.Context, events signaling.Events) (Signaler, error)

// Config describes the remote agent and how to reach it.
type Config struct {
	// ID is the session id; empty generates one.
	ID      string
	AgentID string

	Signaling    signaling.Config
	Peer         peer.Config
	FileTransfer filetransfer.Config

	TerminalGrid terminal.Grid
	CellMetrics  terminal.CellMetrics
}

// Options supplies collaborators. Zero values select the real implementations.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Renderer   terminal.RendererFactory
	FileEvents filetransfer.Events

	Transport Transport
	Dial      Dialer
}

// Session is one viewer connection to an agent.
type Session struct {
	ID      string
	AgentID string

	// Callbacks are read at the moment they fire, so they may be replaced
	// while the session runs.
	OnStatusChange func(status Status)
	OnError        func(message string)
	OnDisconnect   func()
	OnFocusChange  func(focused bool)

	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport Transport
	dial      Dialer

	relay *input.Relay
	term  *terminal.Session
	files *filetransfer.Manager

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	sig          Signaler
	status       Status
	errMsg       string
	connectivity peer.State
	offerPending bool
	offered      bool
	started      bool
	closed       bool
	fullscreen   bool
	showTerminal bool
	channels     map[string]peer.Channel
	changed      chan struct{}
}

// New creates a session in the Connecting state. Nothing is dialed until Start.
func New(cfg Config, opts Options) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.TerminalGrid.Cols < 1 || cfg.TerminalGrid.Rows < 1 {
		cfg.TerminalGrid = terminal.Grid{Cols: 80, Rows: 24}
	}
	cfg.Peer.Role = peer.RoleOfferer

	logger := logging.Component(opts.Logger, "session").With(
		logging.KeySessionID, cfg.ID,
		logging.KeyAgentID, cfg.AgentID)

	s := &Session{
		ID:           cfg.ID,
		AgentID:      cfg.AgentID,
		cfg:          cfg,
		logger:       logger,
		metrics:      opts.Metrics,
		transport:    opts.Transport,
		dial:         opts.Dial,
		status:       StatusConnecting,
		connectivity: peer.StateNew,
		channels:     make(map[string]peer.Channel),
		changed:      make(chan struct{}),
	}
	if s.transport == nil {
		s.transport = peer.New(cfg.Peer, opts.Logger)
	}
	if s.dial == nil {
		s.dial = relayDialer(cfg.Signaling, opts.Logger)
	}

	renderer := opts.Renderer
	if renderer == nil {
		renderer = func() (terminal.Renderer, error) { return terminal.NewConsole(io.Discard), nil }
	}

	s.relay = input.NewRelay(opts.Logger, opts.Metrics)
	s.relay.OnFocusChange = func(focused bool) {
		if fn := s.OnFocusChange; fn != nil {
			fn(focused)
		}
	}
	s.term = terminal.NewSession(cfg.CellMetrics, renderer, opts.Logger, opts.Metrics)
	s.files = filetransfer.NewManager(cfg.FileTransfer, opts.FileEvents, opts.Logger, opts.Metrics)
	return s
}

func relayDialer(cfg signaling.Config, logger *slog.Logger) Dialer {
	cfg.Role = signaling.RoleEngineer
	return func(ctx context.Context, events signaling.Events) (Signaler, error) {
		c, err := signaling.Dial(ctx, cfg, events, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Start builds the transport, connects to the relay and requests the
// session. Cancelling ctx disconnects the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.transport.OnStateChange(s.handleConnectivity)
	s.transport.OnChannelReady(s.handleChannel)
	s.transport.OnICECandidate(s.sendCandidate)

	if err := s.transport.Create(); err != nil {
		s.fail(fmt.Sprintf("Failed to create connection: %v", err))
		return err
	}

	s.logger.Info("connecting to relay")
	sig, err := s.dial(s.ctx, s.signalingEvents())
	if err != nil {
		s.fail(fmt.Sprintf("Failed to connect to signaling server: %v", err))
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sig.Close()
		return ErrDisconnected
	}
	s.sig = sig
	s.mu.Unlock()

	context.AfterFunc(s.ctx, s.Disconnect)

	if err := s.send(signaling.TypeSessionRequest, nil); err != nil {
		s.fail(fmt.Sprintf("Failed to request session: %v", err))
		return err
	}
	return nil
}

func (s *Session) signalingEvents() signaling.Events {
	return signaling.Events{
		OnConnected: func(msg signaling.Message) {
			s.logger.Debug("relay acknowledged connection")
		},
		OnSessionAccept: s.handleAccept,
		OnSessionDeny: func(signaling.Message) {
			s.logger.Info("session denied by remote user")
			s.fail(DenyMessage)
		},
		OnAnswer:       s.handleAnswer,
		OnICECandidate: s.handleCandidate,
		OnError: func(msg signaling.Message) {
			s.fail(msg.ErrorText())
		},
		OnClosed: func(err error) {
			if err != nil {
				s.fail(fmt.Sprintf("Signaling connection lost: %v", err))
			}
		},
	}
}

func (s *Session) handleAccept(signaling.Message) {
	s.mu.Lock()
	if s.offered || s.status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.offered = true
	s.mu.Unlock()

	s.logger.Info("session accepted, sending offer")
	sdp, err := s.transport.CreateOffer()
	if err != nil {
		s.negotiationFailed("offer", err)
		return
	}

	s.mu.Lock()
	s.offerPending = true
	s.mu.Unlock()

	payload := signaling.SessionDescription{Type: webrtc.SDPTypeOffer.String(), SDP: sdp}
	if err := s.send(signaling.TypeOffer, payload); err != nil {
		s.fail(fmt.Sprintf("Failed to send offer: %v", err))
	}
}

func (s *Session) handleAnswer(msg signaling.Message) {
	s.mu.Lock()
	pending := s.offerPending
	s.mu.Unlock()
	if !pending {
		s.logger.Debug("ignoring answer without local offer")
		return
	}

	sd, err := msg.SessionDescription()
	if err != nil {
		s.negotiationFailed("answer", err)
		return
	}
	applied, err := s.transport.HandleAnswer(sd.SDP)
	if err != nil {
		s.negotiationFailed("answer", err)
		return
	}
	if applied {
		s.mu.Lock()
		s.offerPending = false
		s.mu.Unlock()
	}
}

func (s *Session) handleCandidate(msg signaling.Message) {
	c, err := msg.ICECandidate()
	if err == nil {
		err = s.transport.AddICECandidate(c)
	}
	if err != nil {
		s.logger.Warn("failed to add ICE candidate", logging.KeyError, err)
		if s.metrics != nil {
			s.metrics.RecordNegotiationError("candidate")
		}
	}
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if err := s.send(signaling.TypeICECandidate, c); err != nil {
		s.logger.Debug("failed to send ICE candidate", logging.KeyError, err)
	}
}

func (s *Session) negotiationFailed(stage string, err error) {
	s.logger.Error("negotiation failed", "stage", stage, logging.KeyError, err)
	if s.metrics != nil {
		s.metrics.RecordNegotiationError(stage)
	}
	s.fail(fmt.Sprintf("Connection negotiation failed: %v", err))
}

func (s *Session) handleConnectivity(state peer.State) {
	s.mu.Lock()
	s.connectivity = state
	s.broadcastLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectivity(string(state))
	}
	s.logger.Debug("connectivity changed", logging.KeyState, string(state))

	switch state {
	case peer.StateConnected:
		s.relay.SetConnected(true)
		s.setStatus(StatusConnected)
	case peer.StateDisconnected, peer.StateFailed, peer.StateClosed:
		s.relay.SetConnected(false)
		s.setStatus(StatusDisconnected)
	}
}

func (s *Session) handleChannel(label string, ch peer.Channel) {
	s.mu.Lock()
	known := s.channels[label] == ch
	s.channels[label] = ch
	s.broadcastLocked()
	s.mu.Unlock()

	if !known {
		s.bind(label, ch)
	}
}

func (s *Session) bind(label string, ch peer.Channel) {
	if s.metrics != nil {
		s.metrics.RecordChannelOpen(label)
	}
	s.logger.Debug("binding channel", logging.KeyLabel, label)

	switch label {
	case peer.LabelInput:
		s.relay.Bind(ch)
	case peer.LabelTerminal:
		s.term.Bind(ch)
	case peer.LabelFileTransfer:
		s.files.Bind(ch)
	default:
		s.logger.Debug("ignoring unknown channel", logging.KeyLabel, label)
	}
	ch.OnClose(func() {
		s.mu.Lock()
		if s.channels[label] == ch {
			delete(s.channels, label)
			s.broadcastLocked()
		}
		s.mu.Unlock()
	})
}

// fail moves the session to Error and reports message once.
func (s *Session) fail(message string) {
	s.mu.Lock()
	if s.status == StatusError || s.closed {
		s.mu.Unlock()
		return
	}
	s.errMsg = message
	sig := s.sig
	s.mu.Unlock()

	s.logger.Error("session failed", logging.KeyError, message)
	s.relay.SetConnected(false)
	s.setStatus(StatusError)
	if fn := s.OnError; fn != nil {
		fn(message)
	}

	if sig != nil {
		sig.Close()
	}
	s.transport.Close()
}

func (s *Session) setStatus(to Status) {
	s.mu.Lock()
	from := s.status
	// Error is sticky until Disconnect.
	if from == to || (from == StatusError && !s.closed) {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.broadcastLocked()
	s.mu.Unlock()

	s.logger.Info("session status", "from", string(from), "to", string(to))
	if s.metrics != nil {
		s.metrics.RecordSessionStatus(string(from), string(to))
	}
	if fn := s.OnStatusChange; fn != nil {
		fn(to)
	}
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) send(t signaling.MessageType, payload interface{}) error {
	s.mu.Lock()
	sig, ctx := s.sig, s.ctx
	s.mu.Unlock()
	if sig == nil {
		return signaling.ErrClosed
	}
	msg, err := signaling.NewMessage(t, s.ID, payload)
	if err != nil {
		return err
	}
	return sig.Send(ctx, msg)
}

// Disconnect ends the session and fires OnDisconnect once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sig, cancel := s.sig, s.cancel
	s.mu.Unlock()

	s.logger.Info("disconnecting")
	s.term.Close()
	s.relay.SetConnected(false)
	if sig != nil {
		sig.Close()
	}
	s.transport.Close()
	if cancel != nil {
		cancel()
	}

	s.setStatus(StatusDisconnected)
	if fn := s.OnDisconnect; fn != nil {
		fn()
	}
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the message of the failure that put the session in Error.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Connectivity returns the last transport state.
func (s *Session) Connectivity() peer.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectivity
}

// Input returns the input relay.
func (s *Session) Input() *input.Relay { return s.relay }

// Terminal returns the terminal panel.
func (s *Session) Terminal() *terminal.Session { return s.term }

// FileTransfers returns the transfer manager, opening the "file-transfer"
// channel on first use.
func (s *Session) FileTransfers() (*filetransfer.Manager, error) {
	s.mu.Lock()
	_, ok := s.channels[peer.LabelFileTransfer]
	started := s.started
	s.mu.Unlock()
	if ok {
		return s.files, nil
	}
	if !started {
		return nil, errors.New("session not started")
	}

	ch, err := s.transport.OpenChannel(peer.LabelFileTransfer)
	if err != nil {
		return nil, fmt.Errorf("failed to open file transfer channel: %w", err)
	}
	s.handleChannel(peer.LabelFileTransfer, ch)
	return s.files, nil
}

// ToggleFullscreen flips the fullscreen flag and returns the new value.
func (s *Session) ToggleFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullscreen = !s.fullscreen
	return s.fullscreen
}

// Fullscreen reports the fullscreen flag.
func (s *Session) Fullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

// ToggleTerminal shows or hides the terminal panel and returns whether it
// is now shown. The first show starts the remote shell; hiding keeps it
// running.
func (s *Session) ToggleTerminal() (bool, error) {
	s.mu.Lock()
	s.showTerminal = !s.showTerminal
	show := s.showTerminal
	grid := s.cfg.TerminalGrid
	s.mu.Unlock()

	if show && s.term.State() != terminal.StateRunning {
		if err := s.term.OpenGrid(grid); err != nil {
			s.mu.Lock()
			s.showTerminal = false
			s.mu.Unlock()
			return false, fmt.Errorf("failed to open terminal: %w", err)
		}
	}
	return show, nil
}

// WaitConnected blocks until the session is connected, fails or ctx ends.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		status, msg, changed := s.status, s.errMsg, s.changed
		s.mu.Unlock()

		switch status {
		case StatusConnected:
			return nil
		case StatusError:
			return errors.New(msg)
		case StatusDisconnected:
			return ErrDisconnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitChannel blocks until the channel with label is bound and open.
func (s *Session) WaitChannel(ctx context.Context, label string) (peer.Channel, error) {
	for {
		s.mu.Lock()
		ch := s.channels[label]
		status, msg, changed := s.status, s.errMsg, s.changed
		s.mu.Unlock()

		if ch != nil && ch.IsOpen() {
			return ch, nil
		}
		switch status {
		case StatusError:
			return nil, errors.New(msg)
		case StatusDisconnected:
			return nil, ErrDisconnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
