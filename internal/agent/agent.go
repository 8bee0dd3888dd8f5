// Package agent implements the deskline host. It stays connected to the
// signaling relay, asks the local user before accepting a session, answers
// the viewer's offer and serves the input, terminal and file transfer
// channels the viewer opens.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/postalsys/deskline/internal/config"
	"github.com/postalsys/deskline/internal/filetransfer"
	"github.com/postalsys/deskline/internal/health"
	"github.com/postalsys/deskline/internal/input"
	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/recovery"
	"github.com/postalsys/deskline/internal/signaling"
	"github.com/postalsys/deskline/internal/sysinfo"
	"github.com/postalsys/deskline/internal/terminal"
)

// Transport is the answering side of a peer connection. *peer.Manager implements it.
type Transport interface {
	Create() error
	HandleOffer(sdp string) (string, error)
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnStateChange(fn func(peer.State))
	OnChannelReady(fn func(label string, ch peer.Channel))
	OnICECandidate(fn func(c webrtc.ICECandidateInit))
	Close() error
}

// Sender writes messages to the relay.
type Sender interface {
	Send(ctx context.Context, msg signaling.Message) error
}

// Connector keeps the relay connection alive until ctx is cancelled. It
// calls opened with the sender of every new connection and routes inbound
// messages to events.
type Connector func(ctx context.Context, events signaling.Events, opened func(Sender)) error

// Options supplies collaborators. Zero values select the real implementations.
type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Approver     Approver
	Injector     input.Injector
	NewTransport func() Transport
	Connect      Connector
}

// hostSession is the one viewer the agent is serving.
type hostSession struct {
	id           string
	viewer       string
	approved     bool
	transport    Transport
	connectivity peer.State
	channels     map[string]peer.Channel
	term         *terminal.Host
	files        *filetransfer.Server
	ctx          context.Context
	cancel       context.CancelFunc
}

// Agent is a deskline host.
type Agent struct {
	cfg          *config.Config
	id           string
	logger       *slog.Logger
	baseLogger   *slog.Logger
	metrics      *metrics.Metrics
	approver     Approver
	injector     input.Injector
	newTransport func() Transport
	connect      Connector

	shellCfg     terminal.ShellConfig
	fileCfg      filetransfer.ServerConfig
	healthServer *health.Server

	// State
	running   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	system    sysinfo.Info

	mu       sync.Mutex
	sender   Sender
	relayUp  bool
	relayErr error
	active   *hostSession
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	id := cfg.Agent.ID
	if id == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			id = host
		} else {
			id = uuid.NewString()
		}
	}

	base := opts.Logger
	if base == nil {
		base = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}

	a := &Agent{
		cfg:          cfg,
		id:           id,
		baseLogger:   base,
		logger:       logging.Component(base, "agent").With(logging.KeyAgentID, id),
		metrics:      opts.Metrics,
		approver:     opts.Approver,
		injector:     opts.Injector,
		newTransport: opts.NewTransport,
		connect:      opts.Connect,
		system:       sysinfo.Collect(),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}

	if err := a.initComponents(); err != nil {
		return nil, err
	}

	return a, nil
}

// initComponents resolves every collaborator not supplied through Options.
func (a *Agent) initComponents() error {
	cfg := a.cfg

	if a.metrics == nil {
		a.metrics = metrics.Default()
	}

	if a.approver == nil {
		approver, err := NewApprover(cfg.Agent.Approval, a.DisplayName())
		if err != nil {
			return err
		}
		a.approver = approver
	}

	if a.injector == nil {
		switch cfg.Agent.Injector {
		case "none":
			a.injector = input.NopInjector{}
		default:
			a.injector = input.LogInjector{Logger: logging.Component(a.baseLogger, "injector")}
		}
	}

	policy := filetransfer.PathPolicy{AllowedPaths: cfg.Agent.AllowedPaths}
	uploadDir := cfg.Agent.UploadDir
	if uploadDir != "" {
		abs, err := filepath.Abs(uploadDir)
		if err != nil {
			return fmt.Errorf("agent.upload_dir: %w", err)
		}
		if _, err := policy.Validate(abs); err != nil {
			return fmt.Errorf("agent.upload_dir: %w", err)
		}
		uploadDir = abs
	}
	a.fileCfg = filetransfer.ServerConfig{
		Policy:             policy,
		UploadDir:          uploadDir,
		MaxFileSize:        int64(cfg.Agent.MaxFileSize),
		ChunkSize:          int(cfg.FileTransfer.ChunkSize),
		RateLimit:          int64(cfg.FileTransfer.RateLimit),
		BufferedAmountHigh: uint64(cfg.FileTransfer.BufferedAmountHigh),
		BufferedAmountLow:  uint64(cfg.FileTransfer.BufferedAmountLow),
	}

	a.shellCfg = terminal.ShellConfig{
		Shell: cfg.Terminal.Shell,
		Term:  cfg.Terminal.Term,
	}

	if a.newTransport == nil {
		peerCfg := peer.Config{
			Role:            peer.RoleAnswerer,
			ICEServers:      cfg.ICE.WebRTC(),
			IncludeLoopback: cfg.ICE.IncludeLoopback,
		}
		a.newTransport = func() Transport { return peer.New(peerCfg, a.baseLogger) }
	}

	if a.connect == nil {
		if cfg.Signaling.URL == "" {
			return errors.New("signaling.url is required to run the agent")
		}
		a.connect = relayConnector(a.signalingConfig(), a.baseLogger)
	}

	if cfg.Metrics.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Metrics.Address,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, a)
	}

	return nil
}

// signalingConfig builds the relay settings. The agent always reconnects;
// an explicit reconnect section only tunes the backoff.
func (a *Agent) signalingConfig() signaling.Config {
	sc := a.cfg.Signaling
	policy := signaling.DefaultReconnectPolicy()
	if r := sc.Reconnect; r.Enabled {
		policy = signaling.ReconnectPolicy{
			Enabled:      true,
			InitialDelay: r.InitialDelay,
			MaxDelay:     r.MaxDelay,
			Multiplier:   r.Multiplier,
			Jitter:       r.Jitter,
			MaxAttempts:  r.MaxAttempts,
		}
	}
	senderID := sc.SenderID
	if senderID == "" {
		senderID = a.id
	}
	return signaling.Config{
		URL:          sc.URL,
		Token:        sc.Token,
		Role:         signaling.RoleAgent,
		SenderID:     senderID,
		WriteTimeout: sc.WriteTimeout,
		Reconnect:    policy,
		Metrics:      a.metrics,
	}
}

func relayConnector(cfg signaling.Config, logger *slog.Logger) Connector {
	return func(ctx context.Context, events signaling.Events, opened func(Sender)) error {
		events.OnOpen = func(c *signaling.Client) { opened(c) }
		return signaling.Run(ctx, cfg, events, logger)
	}
}

// Start connects to the relay and begins accepting session requests.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	a.running.Store(true)
	a.startedAt = time.Now()
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.logger.Info("starting agent",
		"approval", a.cfg.Agent.Approval,
		"allowed_paths", len(a.cfg.Agent.AllowedPaths))

	// Start HTTP server if enabled
	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyURL, a.cfg.Metrics.Address,
				logging.KeyError, err)
			a.running.Store(false)
			a.cancel()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			"address", a.healthServer.Address())
	}

	a.wg.Add(1)
	go a.relayLoop()

	a.logger.Info("agent started")
	return nil
}

func (a *Agent) relayLoop() {
	defer a.wg.Done()
	defer close(a.done)
	defer recovery.RecoverWithLog(a.logger, "agent.relayLoop")

	err := a.connect(a.ctx, a.events(), a.relayOpened)

	a.mu.Lock()
	a.sender = nil
	a.relayUp = false
	if err != nil && !errors.Is(err, context.Canceled) {
		a.relayErr = err
	}
	a.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("signaling relay lost", logging.KeyError, err)
	}
}

func (a *Agent) events() signaling.Events {
	return signaling.Events{
		OnConnected: func(msg signaling.Message) {
			a.logger.Debug("relay acknowledged connection", logging.KeySenderID, msg.SenderID)
		},
		OnSessionRequest: a.handleSessionRequest,
		OnOffer:          a.handleOffer,
		OnICECandidate:   a.handleCandidate,
		OnError: func(msg signaling.Message) {
			a.logger.Warn("relay reported an error", logging.KeyError, msg.ErrorText())
		},
		OnClosed: func(err error) {
			a.mu.Lock()
			a.sender = nil
			a.relayUp = false
			a.mu.Unlock()
			if err != nil {
				a.logger.Warn("relay connection closed", logging.KeyError, err)
			}
		},
	}
}

func (a *Agent) relayOpened(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.relayUp = true
	a.mu.Unlock()
	a.logger.Info("connected to relay", logging.KeyURL, a.cfg.Signaling.URL)
}

func (a *Agent) handleSessionRequest(msg signaling.Message) {
	req := Request{SessionID: msg.SessionID, Viewer: msg.SenderID}
	if req.SessionID == "" {
		a.logger.Warn("dropping session request without session id")
		a.metrics.RecordMalformed("signaling")
		return
	}

	a.mu.Lock()
	if hs := a.active; hs != nil {
		a.mu.Unlock()
		if hs.id == req.SessionID {
			a.logger.Debug("duplicate session request", logging.KeySessionID, req.SessionID)
			return
		}
		a.logger.Info("denying session request while busy",
			logging.KeySessionID, req.SessionID,
			"active_session", hs.id)
		a.send(signaling.TypeSessionDeny, req.SessionID, nil)
		return
	}
	hs := &hostSession{
		id:           req.SessionID,
		viewer:       req.Viewer,
		connectivity: peer.StateNew,
		channels:     make(map[string]peer.Channel),
	}
	hs.ctx, hs.cancel = context.WithCancel(a.ctx)
	a.active = hs
	a.mu.Unlock()

	a.logger.Info("session requested",
		logging.KeySessionID, req.SessionID,
		logging.KeySenderID, req.Viewer)

	a.wg.Add(1)
	go a.approve(hs, req)
}

func (a *Agent) approve(hs *hostSession, req Request) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.approve")

	ok, err := a.approver.Approve(hs.ctx, req)
	if hs.ctx.Err() != nil {
		return
	}
	if err != nil {
		a.logger.Warn("session approval failed", logging.KeySessionID, hs.id, logging.KeyError, err)
		ok = false
	}

	if !ok {
		a.logger.Info("session denied", logging.KeySessionID, hs.id)
		a.endSession(hs, "denied")
		a.send(signaling.TypeSessionDeny, hs.id, nil)
		return
	}

	a.mu.Lock()
	if a.active != hs {
		a.mu.Unlock()
		return
	}
	hs.approved = true
	a.mu.Unlock()
	a.metrics.SessionsActive.Inc()

	if err := a.send(signaling.TypeSessionAccept, hs.id, nil); err != nil {
		a.endSession(hs, "accept not delivered")
		return
	}
	a.logger.Info("session accepted", logging.KeySessionID, hs.id)
}

// session returns the active approved session with id.
func (a *Agent) session(id string) *hostSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hs := a.active; hs != nil && hs.approved && hs.id == id {
		return hs
	}
	return nil
}

func (a *Agent) handleOffer(msg signaling.Message) {
	hs := a.session(msg.SessionID)
	if hs == nil {
		a.logger.Debug("ignoring offer for unknown session", logging.KeySessionID, msg.SessionID)
		return
	}

	desc, err := msg.SessionDescription()
	if err != nil {
		a.logger.Warn("dropping malformed offer", logging.KeySessionID, hs.id, logging.KeyError, err)
		a.metrics.RecordMalformed("signaling")
		return
	}

	tr, err := a.transportFor(hs)
	if err != nil {
		a.negotiationFailed(hs, "create", err)
		return
	}

	started := time.Now()
	answer, err := tr.HandleOffer(desc.SDP)
	if err != nil {
		a.negotiationFailed(hs, "answer", err)
		return
	}
	a.metrics.NegotiationLatency.Observe(time.Since(started).Seconds())

	a.send(signaling.TypeAnswer, hs.id, signaling.SessionDescription{Type: "answer", SDP: answer})
}

// transportFor returns the session's transport, creating it on the first offer.
func (a *Agent) transportFor(hs *hostSession) (Transport, error) {
	a.mu.Lock()
	if hs.transport != nil {
		tr := hs.transport
		a.mu.Unlock()
		return tr, nil
	}
	a.mu.Unlock()

	tr := a.newTransport()
	tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if a.session(hs.id) != hs {
			return
		}
		a.send(signaling.TypeICECandidate, hs.id, c)
	})
	tr.OnStateChange(func(s peer.State) { a.handleConnectivity(hs, s) })
	tr.OnChannelReady(func(label string, ch peer.Channel) { a.bindChannel(hs, label, ch) })

	if err := tr.Create(); err != nil {
		tr.Close()
		return nil, err
	}

	a.mu.Lock()
	if a.active != hs {
		a.mu.Unlock()
		tr.Close()
		return nil, errors.New("session ended")
	}
	hs.transport = tr
	a.mu.Unlock()
	return tr, nil
}

func (a *Agent) negotiationFailed(hs *hostSession, stage string, err error) {
	a.metrics.RecordNegotiationError(stage)
	a.logger.Error("negotiation failed",
		logging.KeySessionID, hs.id,
		"stage", stage,
		logging.KeyError, err)

	if msg, merr := signaling.NewMessage(signaling.TypeError, hs.id, nil); merr == nil {
		msg.Message = "Remote host failed to set up the connection"
		a.sendMessage(msg)
	}
	a.endSession(hs, "negotiation failed")
}

func (a *Agent) handleCandidate(msg signaling.Message) {
	hs := a.session(msg.SessionID)
	if hs == nil {
		return
	}
	a.mu.Lock()
	tr := hs.transport
	a.mu.Unlock()
	if tr == nil {
		a.logger.Debug("dropping candidate received before offer", logging.KeySessionID, hs.id)
		return
	}

	c, err := msg.ICECandidate()
	if err != nil {
		a.logger.Warn("dropping malformed candidate", logging.KeySessionID, hs.id, logging.KeyError, err)
		a.metrics.RecordMalformed("signaling")
		return
	}
	if err := tr.AddICECandidate(c); err != nil {
		a.metrics.RecordNegotiationError("candidate")
		a.logger.Warn("failed to add ICE candidate", logging.KeySessionID, hs.id, logging.KeyError, err)
	}
}

func (a *Agent) handleConnectivity(hs *hostSession, s peer.State) {
	a.mu.Lock()
	if a.active != hs {
		a.mu.Unlock()
		return
	}
	hs.connectivity = s
	a.mu.Unlock()

	a.metrics.RecordConnectivity(string(s))
	switch s {
	case peer.StateFailed, peer.StateClosed:
		a.endSession(hs, "transport "+string(s))
	}
}

func (a *Agent) bindChannel(hs *hostSession, label string, ch peer.Channel) {
	a.mu.Lock()
	if a.active != hs {
		a.mu.Unlock()
		ch.Close()
		return
	}
	hs.channels[label] = ch
	a.mu.Unlock()

	a.metrics.RecordChannelOpen(label)
	a.logger.Info("channel open", logging.KeySessionID, hs.id, logging.KeyLabel, label)

	switch label {
	case peer.LabelInput:
		input.Serve(ch, a.injector, a.baseLogger, a.metrics)

	case peer.LabelTerminal:
		host := terminal.NewHost(a.shellCfg, a.baseLogger, a.metrics)
		a.mu.Lock()
		prev := hs.term
		hs.term = host
		a.mu.Unlock()
		if prev != nil {
			prev.Close()
		}
		host.Serve(ch)

	case peer.LabelFileTransfer:
		srv := filetransfer.NewServer(a.fileCfg, a.baseLogger, a.metrics)
		a.mu.Lock()
		prev := hs.files
		hs.files = srv
		a.mu.Unlock()
		if prev != nil {
			prev.Close()
		}
		srv.Serve(ch)

	default:
		a.logger.Warn("closing unknown channel", logging.KeySessionID, hs.id, logging.KeyLabel, label)
		ch.Close()
		return
	}

	ch.OnClose(func() {
		a.mu.Lock()
		if hs.channels[label] == ch {
			delete(hs.channels, label)
		}
		a.mu.Unlock()
	})
}

// endSession releases hs if it is still the active session. It is safe to
// call more than once.
func (a *Agent) endSession(hs *hostSession, reason string) {
	a.mu.Lock()
	if a.active != hs {
		a.mu.Unlock()
		return
	}
	a.active = nil
	tr, term, files, approved := hs.transport, hs.term, hs.files, hs.approved
	a.mu.Unlock()

	hs.cancel()
	if term != nil {
		term.Close()
	}
	if files != nil {
		files.Close()
	}
	if tr != nil {
		tr.Close()
	}
	if approved {
		a.metrics.SessionsActive.Dec()
	}

	a.logger.Info("session ended", logging.KeySessionID, hs.id, "reason", reason)
}

func (a *Agent) send(t signaling.MessageType, sessionID string, payload interface{}) error {
	msg, err := signaling.NewMessage(t, sessionID, payload)
	if err != nil {
		a.logger.Error("failed to encode message", logging.KeyType, string(t), logging.KeyError, err)
		return err
	}
	return a.sendMessage(msg)
}

func (a *Agent) sendMessage(msg signaling.Message) error {
	a.mu.Lock()
	s := a.sender
	a.mu.Unlock()
	if s == nil {
		a.logger.Warn("relay not connected, dropping message",
			logging.KeyType, string(msg.Type),
			logging.KeySessionID, msg.SessionID)
		return signaling.ErrClosed
	}

	if err := s.Send(a.ctx, msg); err != nil {
		a.logger.Warn("failed to send message",
			logging.KeyType, string(msg.Type),
			logging.KeySessionID, msg.SessionID,
			logging.KeyError, err)
		return err
	}
	return nil
}

// Stop ends the active session, disconnects from the relay and waits for
// background work to finish.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		a.running.Store(false)
		close(a.stopCh)

		a.mu.Lock()
		hs := a.active
		a.mu.Unlock()
		if hs != nil {
			a.endSession(hs, "agent stopping")
		}

		if a.cancel != nil {
			a.cancel()
		}

		// Stop components in reverse order
		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		a.wg.Wait()

		a.logger.Info("agent stopped")
	})

	return nil
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the relay loop exits: after Stop, or once reconnects are exhausted.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the error that ended the relay loop, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relayErr
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// ID returns the agent's id.
func (a *Agent) ID() string {
	return a.id
}

// DisplayName returns the configured name, or falls back to the id.
func (a *Agent) DisplayName() string {
	if a.cfg.Agent.Name != "" {
		return a.cfg.Agent.Name
	}
	return a.id
}

// Status returns a snapshot for the status endpoint.
func (a *Agent) Status() health.Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := health.Status{
		AgentID:            a.id,
		Name:               a.cfg.Agent.Name,
		SignalingConnected: a.relayUp,
		StartedAt:          a.startedAt,
		System:             a.system,
	}
	if hs := a.active; hs != nil {
		st.SessionID = hs.id
		st.Viewer = hs.viewer
		st.Connectivity = string(hs.connectivity)
		for label := range hs.channels {
			st.Channels = append(st.Channels, label)
		}
		sort.Strings(st.Channels)
		st.ShellRunning = hs.term != nil && hs.term.Running()
	}
	return st
}
