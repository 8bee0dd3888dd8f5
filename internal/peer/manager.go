// Package peer owns the WebRTC peer connection of a session: offer/answer
// negotiation, ICE candidate exchange, connectivity tracking and the data
// channels the session protocols run on.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/postalsys/deskline/internal/logging"
)

// ErrNotCreated is returned when an operation needs the peer connection before Create.
var ErrNotCreated = errors.New("peer connection not created")

// Role selects which side of the negotiation this manager plays.
type Role int

const (
	// RoleOfferer creates the offer and the default channels (viewer).
	RoleOfferer Role = iota
	// RoleAnswerer answers offers and accepts remote channels (agent).
	RoleAnswerer
)

// DefaultICEServers is used when the configuration lists none.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Config configures a Manager.
type Config struct {
	Role       Role
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers loopback candidates, needed for same-host peers.
	IncludeLoopback bool
	// ReceiveVideo adds a receive-only video transceiver to the offer.
	ReceiveVideo bool
}

// Manager wraps one pion PeerConnection.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// openMu serializes OpenChannel so a label is created at most once.
	openMu sync.Mutex

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	state     State
	channels  map[string]Channel
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	onStateChange  func(State)
	onChannelReady func(label string, ch Channel)
	onRemoteTrack  func(track *webrtc.TrackRemote)
	onICECandidate func(c webrtc.ICECandidateInit)
}

// New creates a Manager. Call Create before negotiating.
func New(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logging.Component(logger, "peer"),
		state:    StateNew,
		channels: make(map[string]Channel),
	}
}

// OnStateChange registers the connectivity callback.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// OnChannelReady registers the callback fired when a channel becomes open.
func (m *Manager) OnChannelReady(fn func(label string, ch Channel)) {
	m.mu.Lock()
	m.onChannelReady = fn
	m.mu.Unlock()
}

// OnRemoteTrack registers the callback for inbound media tracks.
func (m *Manager) OnRemoteTrack(fn func(track *webrtc.TrackRemote)) {
	m.mu.Lock()
	m.onRemoteTrack = fn
	m.mu.Unlock()
}

// OnICECandidate registers the callback for locally gathered candidates.
func (m *Manager) OnICECandidate(fn func(c webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICECandidate = fn
	m.mu.Unlock()
}

// Create builds the peer connection. For the offerer it also opens the
// ordered "input" and "terminal" channels so they are part of the first offer.
func (m *Manager) Create() error {
	m.mu.Lock()
	if m.pc != nil {
		m.mu.Unlock()
		return errors.New("peer connection already created")
	}
	m.mu.Unlock()

	servers := m.cfg.ICEServers
	if servers == nil {
		servers = DefaultICEServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("failed to register codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if m.cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state", logging.KeyState, s.String())
		m.setState(stateFromPion(s))
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.mu.Lock()
		fn := m.onICECandidate
		m.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		m.assertConnected()
		m.mu.Lock()
		fn := m.onRemoteTrack
		m.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.logger.Debug("inbound data channel", logging.KeyLabel, dc.Label())
		m.register(wrapDataChannel(dc))
	})

	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()

	if m.cfg.Role == RoleOfferer {
		if m.cfg.ReceiveVideo {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("failed to add video transceiver: %w", err)
			}
		}
		for _, label := range []string{LabelInput, LabelTerminal} {
			if _, err := m.OpenChannel(label); err != nil {
				return err
			}
		}
	}

	return nil
}

// OpenChannel creates an ordered channel with label, or returns the existing one.
func (m *Manager) OpenChannel(label string) (Channel, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	pc := m.pc
	if ch, ok := m.channels[label]; ok {
		m.mu.Unlock()
		return ch, nil
	}
	m.mu.Unlock()
	if pc == nil {
		return nil, ErrNotCreated
	}

	ordered := true
	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s channel: %w", label, err)
	}
	ch := wrapDataChannel(dc)
	m.register(ch)
	return ch, nil
}

func (m *Manager) register(ch *dataChannel) {
	label := ch.Label()
	m.mu.Lock()
	m.channels[label] = ch
	m.mu.Unlock()

	ch.OnOpen(func() {
		m.logger.Debug("data channel open", logging.KeyLabel, label)
		m.assertConnected()
		m.mu.Lock()
		fn := m.onChannelReady
		m.mu.Unlock()
		if fn != nil {
			fn(label, ch)
		}
	})
	ch.OnClose(func() {
		m.logger.Debug("data channel closed", logging.KeyLabel, label)
		m.mu.Lock()
		if m.channels[label] == Channel(ch) {
			delete(m.channels, label)
		}
		m.mu.Unlock()
	})
}

// Channel returns the channel with label, if any.
func (m *Manager) Channel(label string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[label]
	return ch, ok
}

// CreateOffer creates an offer, applies it locally and returns its SDP.
func (m *Manager) CreateOffer() (string, error) {
	pc, err := m.peerConnection()
	if err != nil {
		return "", err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	m.setStateIf(StateNew, StateConnecting)
	return offer.SDP, nil
}

// HandleAnswer applies a remote answer. An answer that arrives while no
// local offer is pending is ignored and reported as not applied.
func (m *Manager) HandleAnswer(sdp string) (bool, error) {
	pc, err := m.peerConnection()
	if err != nil {
		return false, err
	}

	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug("ignoring answer without local offer", logging.KeyState, pc.SignalingState().String())
		return false, nil
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return false, fmt.Errorf("failed to set remote answer: %w", err)
	}
	m.flushCandidates(pc)
	return true, nil
}

// HandleOffer applies a remote offer and returns the local answer SDP.
func (m *Manager) HandleOffer(sdp string) (string, error) {
	pc, err := m.peerConnection()
	if err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	m.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	m.setStateIf(StateNew, StateConnecting)
	return answer.SDP, nil
}

// AddICECandidate adds a remote candidate. Candidates received before the
// remote description are held and applied once it is set.
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	pc := m.pc
	if pc == nil {
		m.mu.Unlock()
		return ErrNotCreated
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (m *Manager) flushCandidates(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to add queued ICE candidate", logging.KeyError, err)
		}
	}
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears down the peer connection and all channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	m.setState(StateClosed)
	return err
}

func (m *Manager) peerConnection() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return nil, ErrNotCreated
	}
	return m.pc, nil
}

// assertConnected marks the transport connected when media or a channel becomes active.
func (m *Manager) assertConnected() {
	m.mu.Lock()
	s := m.state
	m.mu.Unlock()
	if s == StateNew || s == StateConnecting || s == StateDisconnected {
		m.setState(StateConnected)
	}
}

func (m *Manager) setStateIf(from, to State) {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.setState(to)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.onStateChange
	m.mu.Unlock()

	m.logger.Info("connectivity changed", logging.KeyState, string(s))
	if fn != nil {
		fn(s)
	}
}
