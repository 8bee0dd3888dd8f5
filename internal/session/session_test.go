package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/deskline/internal/input"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/peer/peertest"
	"github.com/postalsys/deskline/internal/signaling"
	"github.com/postalsys/deskline/internal/terminal"
)

type fakeTransport struct {
	mu         sync.Mutex
	offers     int
	answers    []string
	candidates []webrtc.ICECandidateInit
	opened     []string
	closed     bool
	offerErr   error
	channels   map[string]*peertest.Endpoint

	onState func(peer.State)
	onReady func(string, peer.Channel)
	onICE   func(webrtc.ICECandidateInit)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*peertest.Endpoint)}
}

func (f *fakeTransport) Create() error { return nil }

func (f *fakeTransport) CreateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "v=0 offer", nil
}

func (f *fakeTransport) HandleAnswer(sdp string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return true, nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OpenChannel(label string) (peer.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, label)
	ep := peertest.NewRecorder(label)
	f.channels[label] = ep
	return ep, nil
}

func (f *fakeTransport) OnStateChange(fn func(peer.State))                     { f.onState = fn }
func (f *fakeTransport) OnChannelReady(fn func(label string, ch peer.Channel)) { f.onReady = fn }
func (f *fakeTransport) OnICECandidate(fn func(c webrtc.ICECandidateInit))     { f.onICE = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

// ready opens a channel with label, as the remote side accepting it would.
func (f *fakeTransport) ready(label string) *peertest.Endpoint {
	f.mu.Lock()
	ep, ok := f.channels[label]
	if !ok {
		ep = peertest.NewRecorder(label)
		f.channels[label] = ep
	}
	f.mu.Unlock()
	ep.Open()
	f.onReady(label, ep)
	return ep
}

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []signaling.Message
	closed bool
}

func (f *fakeSignaler) Send(_ context.Context, msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signaling.ErrClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSignaler) ofType(t signaling.MessageType) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type harness struct {
	s       *Session
	tr      *fakeTransport
	sig     *fakeSignaler
	events  signaling.Events
	metrics *metrics.Metrics

	mu       sync.Mutex
	errors   []string
	statuses []Status
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr:      newFakeTransport(),
		sig:     &fakeSignaler{},
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	h.s = New(Config{AgentID: "agent-1"}, Options{
		Metrics:   h.metrics,
		Transport: h.tr,
		Dial: func(ctx context.Context, events signaling.Events) (Signaler, error) {
			h.events = events
			return h.sig, nil
		},
	})
	h.s.OnError = func(msg string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errors = append(h.errors, msg)
	}
	h.s.OnStatusChange = func(st Status) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.statuses = append(h.statuses, st)
	}
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.s.Disconnect)
	return h
}

func (h *harness) reportedErrors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.errors...)
}

func sdpMessage(t *testing.T, typ signaling.MessageType, sdp string) signaling.Message {
	t.Helper()
	msg, err := signaling.NewMessage(typ, "s1", signaling.SessionDescription{Type: string(typ), SDP: sdp})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestSession_RequestsSessionOnStart(t *testing.T) {
	h := newHarness(t)

	reqs := h.sig.ofType(signaling.TypeSessionRequest)
	if len(reqs) != 1 {
		t.Fatalf("sent %d session requests, want 1", len(reqs))
	}
	if reqs[0].SessionID != h.s.ID || h.s.ID == "" {
		t.Errorf("session-request id = %q, session id = %q", reqs[0].SessionID, h.s.ID)
	}
	if h.s.Status() != StatusConnecting {
		t.Errorf("status = %s, want connecting", h.s.Status())
	}
	if err := h.s.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start() error = %v, want ErrStarted", err)
	}
}

func TestSession_DenyBeforeOffer(t *testing.T) {
	h := newHarness(t)

	h.events.OnSessionDeny(signaling.Message{Type: signaling.TypeSessionDeny, SessionID: h.s.ID})

	if h.s.Status() != StatusError {
		t.Errorf("status = %s, want error", h.s.Status())
	}
	if h.s.Err() != DenyMessage {
		t.Errorf("Err() = %q, want %q", h.s.Err(), DenyMessage)
	}
	if errs := h.reportedErrors(); len(errs) != 1 || errs[0] != DenyMessage {
		t.Errorf("OnError calls = %v, want exactly the denial", errs)
	}
	if n := h.tr.offerCount(); n != 0 {
		t.Errorf("CreateOffer called %d times, want 0", n)
	}
	if !h.sig.isClosed() {
		t.Error("signaling socket left open")
	}

	// A late accept must not start negotiation.
	h.events.OnSessionAccept(signaling.Message{Type: signaling.TypeSessionAccept})
	if n := h.tr.offerCount(); n != 0 {
		t.Errorf("CreateOffer called %d times after deny, want 0", n)
	}
}

func TestSession_AnswerWithoutOfferIgnored(t *testing.T) {
	h := newHarness(t)

	h.events.OnAnswer(sdpMessage(t, signaling.TypeAnswer, "v=0 answer"))

	if len(h.tr.answers) != 0 {
		t.Errorf("HandleAnswer called with %v, want no calls", h.tr.answers)
	}
	if h.s.Status() != StatusConnecting {
		t.Errorf("status = %s, want connecting", h.s.Status())
	}
	if errs := h.reportedErrors(); len(errs) != 0 {
		t.Errorf("OnError calls = %v, want none", errs)
	}
}

func TestSession_AcceptOfferAnswer(t *testing.T) {
	h := newHarness(t)

	h.events.OnSessionAccept(signaling.Message{Type: signaling.TypeSessionAccept, SessionID: h.s.ID})
	h.events.OnSessionAccept(signaling.Message{Type: signaling.TypeSessionAccept, SessionID: h.s.ID})

	if n := h.tr.offerCount(); n != 1 {
		t.Fatalf("CreateOffer called %d times, want 1", n)
	}
	offers := h.sig.ofType(signaling.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	sd, err := offers[0].SessionDescription()
	if err != nil || sd.SDP != "v=0 offer" || sd.Type != "offer" {
		t.Errorf("offer payload = %+v, %v", sd, err)
	}

	h.events.OnAnswer(sdpMessage(t, signaling.TypeAnswer, "v=0 answer"))
	h.events.OnAnswer(sdpMessage(t, signaling.TypeAnswer, "v=0 late"))
	if len(h.tr.answers) != 1 || h.tr.answers[0] != "v=0 answer" {
		t.Errorf("HandleAnswer calls = %v, want the first answer only", h.tr.answers)
	}
}

func TestSession_OfferFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.offerErr = errors.New("no codecs")

	h.events.OnSessionAccept(signaling.Message{Type: signaling.TypeSessionAccept})

	if h.s.Status() != StatusError {
		t.Fatalf("status = %s, want error", h.s.Status())
	}
	if !strings.Contains(h.s.Err(), "no codecs") {
		t.Errorf("Err() = %q", h.s.Err())
	}
	if len(h.sig.ofType(signaling.TypeOffer)) != 0 {
		t.Error("offer sent after failure")
	}
	if got := testutil.ToFloat64(h.metrics.NegotiationErrors.WithLabelValues("offer")); got != 1 {
		t.Errorf("negotiation_errors{offer} = %v, want 1", got)
	}
}

func TestSession_SignalingFailures(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(h *harness)
		want    string
	}{
		{
			name: "relay error in message field",
			trigger: func(h *harness) {
				h.events.OnError(signaling.Message{Type: signaling.TypeError, Message: "Agent is offline"})
			},
			want: "Agent is offline",
		},
		{
			name: "relay error in payload",
			trigger: func(h *harness) {
				h.events.OnError(signaling.Message{Type: signaling.TypeError, Payload: json.RawMessage(`{"message":"Session expired"}`)})
			},
			want: "Session expired",
		},
		{
			name: "socket lost",
			trigger: func(h *harness) {
				h.events.OnClosed(errors.New("unexpected EOF"))
			},
			want: "Signaling connection lost: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.trigger(h)
			tt.trigger(h)

			if h.s.Status() != StatusError {
				t.Errorf("status = %s, want error", h.s.Status())
			}
			if errs := h.reportedErrors(); len(errs) != 1 || errs[0] != tt.want {
				t.Errorf("OnError calls = %v, want [%s]", errs, tt.want)
			}
		})
	}
}

func TestSession_DeliberateCloseIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.events.OnClosed(nil)
	if h.s.Status() != StatusConnecting || len(h.reportedErrors()) != 0 {
		t.Errorf("status = %s, errors = %v", h.s.Status(), h.reportedErrors())
	}
}

func TestSession_CallbacksReadAtFireTime(t *testing.T) {
	h := newHarness(t)

	var got string
	h.s.OnError = func(msg string) { got = msg }
	h.events.OnSessionDeny(signaling.Message{Type: signaling.TypeSessionDeny})

	if got != DenyMessage {
		t.Errorf("replacement OnError got %q", got)
	}
	if errs := h.reportedErrors(); len(errs) != 0 {
		t.Errorf("stale OnError called with %v", errs)
	}
}

func TestSession_ICECandidates(t *testing.T) {
	h := newHarness(t)

	msg, err := signaling.NewMessage(signaling.TypeICECandidate, h.s.ID, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	if err != nil {
		t.Fatal(err)
	}
	h.events.OnICECandidate(msg)
	h.events.OnICECandidate(signaling.Message{Type: signaling.TypeICECandidate})

	if len(h.tr.candidates) != 1 || !strings.Contains(h.tr.candidates[0].Candidate, "10.0.0.1") {
		t.Errorf("candidates = %+v", h.tr.candidates)
	}
	if h.s.Status() != StatusConnecting {
		t.Errorf("bad candidate changed status to %s", h.s.Status())
	}
	if got := testutil.ToFloat64(h.metrics.NegotiationErrors.WithLabelValues("candidate")); got != 1 {
		t.Errorf("negotiation_errors{candidate} = %v, want 1", got)
	}

	h.tr.onICE(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 5001 typ host"})
	sent := h.sig.ofType(signaling.TypeICECandidate)
	if len(sent) != 1 {
		t.Fatalf("sent %d candidates, want 1", len(sent))
	}
	if c, err := sent[0].ICECandidate(); err != nil || !strings.Contains(c.Candidate, "10.0.0.2") {
		t.Errorf("sent candidate = %+v, %v", c, err)
	}
}

func TestSession_ConnectivityDrivesStatus(t *testing.T) {
	h := newHarness(t)

	h.tr.onState(peer.StateConnecting)
	h.tr.onState(peer.StateConnected)
	if h.s.Status() != StatusConnected || h.s.Connectivity() != peer.StateConnected {
		t.Fatalf("status = %s, connectivity = %s", h.s.Status(), h.s.Connectivity())
	}

	h.tr.onState(peer.StateFailed)
	if h.s.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", h.s.Status())
	}
	if errs := h.reportedErrors(); len(errs) != 0 {
		t.Errorf("connectivity loss reported as error: %v", errs)
	}

	h.mu.Lock()
	statuses := append([]Status{}, h.statuses...)
	h.mu.Unlock()
	want := []Status{StatusConnected, StatusDisconnected}
	if len(statuses) != len(want) || statuses[0] != want[0] || statuses[1] != want[1] {
		t.Errorf("status changes = %v, want %v", statuses, want)
	}
	if got := testutil.ToFloat64(h.metrics.SessionsActive); got != 0 {
		t.Errorf("sessions_active = %v, want 0", got)
	}
}

func TestSession_ChannelsBound(t *testing.T) {
	h := newHarness(t)
	var focus []bool
	h.s.OnFocusChange = func(f bool) { focus = append(focus, f) }

	h.tr.onState(peer.StateConnected)
	inputCh := h.tr.ready(peer.LabelInput)
	termCh := h.tr.ready(peer.LabelTerminal)

	relay := h.s.Input()
	relay.Focus()
	relay.Keyboard().KeyDown(input.RawKey{Code: "KeyA", Key: "a"})
	if n := len(inputCh.Sent()); n != 1 {
		t.Errorf("input channel got %d messages, want 1", n)
	}
	if len(focus) != 1 || !focus[0] {
		t.Errorf("focus changes = %v, want [true]", focus)
	}

	shown, err := h.s.ToggleTerminal()
	if err != nil || !shown {
		t.Fatalf("ToggleTerminal() = %v, %v", shown, err)
	}
	sent := termCh.Sent()
	if len(sent) != 1 {
		t.Fatalf("terminal channel got %d messages, want 1", len(sent))
	}
	msg, err := terminal.Decode(sent[0])
	if err != nil || msg.Type != terminal.TypeStart || msg.Cols != 80 || msg.Rows != 24 {
		t.Errorf("terminal message = %+v, %v", msg, err)
	}

	if shown, _ := h.s.ToggleTerminal(); shown {
		t.Error("second toggle should hide the panel")
	}
	if h.s.Terminal().State() != terminal.StateRunning {
		t.Errorf("hiding stopped the terminal: %s", h.s.Terminal().State())
	}
	if !h.s.ToggleFullscreen() || h.s.ToggleFullscreen() {
		t.Error("ToggleFullscreen did not alternate")
	}
}

func TestSession_FileTransfersOpensChannelOnce(t *testing.T) {
	h := newHarness(t)

	m1, err := h.s.FileTransfers()
	if err != nil {
		t.Fatal(err)
	}
	m2, err := h.s.FileTransfers()
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Error("FileTransfers returned different managers")
	}
	if len(h.tr.opened) != 1 || h.tr.opened[0] != peer.LabelFileTransfer {
		t.Errorf("opened channels = %v", h.tr.opened)
	}

	// Requests queue until the channel opens.
	if err := m1.ListFiles("/srv"); err != nil {
		t.Fatal(err)
	}
	ch := h.tr.channels[peer.LabelFileTransfer]
	if n := len(ch.Sent()); n != 0 {
		t.Fatalf("sent %d messages before open", n)
	}

	done := make(chan peer.Channel, 1)
	go func() {
		got, _ := h.s.WaitChannel(context.Background(), peer.LabelFileTransfer)
		done <- got
	}()
	h.tr.ready(peer.LabelFileTransfer)

	select {
	case got := <-done:
		if got != peer.Channel(ch) {
			t.Error("WaitChannel returned a different channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitChannel did not return")
	}
	if n := len(ch.Sent()); n != 1 {
		t.Errorf("queued request not flushed: %d messages", n)
	}
}

func TestSession_WaitConnected(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(h *harness)
		wantErr string
	}{
		{"connected", func(h *harness) { h.tr.onState(peer.StateConnected) }, ""},
		{"denied", func(h *harness) { h.events.OnSessionDeny(signaling.Message{}) }, DenyMessage},
		{"disconnected", func(h *harness) { h.s.Disconnect() }, ErrDisconnected.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			errc := make(chan error, 1)
			go func() { errc <- h.s.WaitConnected(context.Background()) }()

			time.Sleep(10 * time.Millisecond)
			tt.trigger(h)

			select {
			case err := <-errc:
				if tt.wantErr == "" && err != nil {
					t.Errorf("WaitConnected() error = %v", err)
				}
				if tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr) {
					t.Errorf("WaitConnected() error = %v, want %s", err, tt.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("WaitConnected did not return")
			}
		})
	}

	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.s.WaitConnected(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitConnected() error = %v, want deadline exceeded", err)
	}
}

func TestSession_Disconnect(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.s.OnDisconnect = func() { calls++ }

	h.s.Disconnect()
	h.s.Disconnect()

	if calls != 1 {
		t.Errorf("OnDisconnect called %d times, want 1", calls)
	}
	if h.s.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", h.s.Status())
	}
	if !h.sig.isClosed() || !h.tr.closed {
		t.Error("signaling or transport left open")
	}
	if _, err := h.s.WaitChannel(context.Background(), peer.LabelInput); !errors.Is(err, ErrDisconnected) {
		t.Errorf("WaitChannel() error = %v, want ErrDisconnected", err)
	}
}

func TestSession_ContextCancelDisconnects(t *testing.T) {
	tr, sig := newFakeTransport(), &fakeSignaler{}
	s := New(Config{}, Options{
		Transport: tr,
		Dial: func(context.Context, signaling.Events) (Signaler, error) {
			return sig, nil
		},
	})
	disconnected := make(chan struct{})
	s.OnDisconnect = func() { close(disconnected) }

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelling the context did not disconnect")
	}
}

func TestSession_DialFailure(t *testing.T) {
	var reported string
	s := New(Config{}, Options{
		Transport: newFakeTransport(),
		Dial: func(context.Context, signaling.Events) (Signaler, error) {
			return nil, errors.New("connection refused")
		},
	})
	s.OnError = func(msg string) { reported = msg }

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded")
	}
	if s.Status() != StatusError || !strings.Contains(reported, "connection refused") {
		t.Errorf("status = %s, reported = %q", s.Status(), reported)
	}
}
