package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/postalsys/deskline/internal/logging"
)

func newLoopbackPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()

	logger := logging.NopLogger()
	offerer := New(Config{Role: RoleOfferer, ICEServers: []webrtc.ICEServer{}, IncludeLoopback: true}, logger)
	answerer := New(Config{Role: RoleAnswerer, ICEServers: []webrtc.ICEServer{}, IncludeLoopback: true}, logger)

	offerer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := answerer.AddICECandidate(c); err != nil {
			t.Logf("answerer add candidate: %v", err)
		}
	})
	answerer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := offerer.AddICECandidate(c); err != nil {
			t.Logf("offerer add candidate: %v", err)
		}
	})

	if err := offerer.Create(); err != nil {
		t.Fatalf("offerer Create() error = %v", err)
	}
	if err := answerer.Create(); err != nil {
		t.Fatalf("answerer Create() error = %v", err)
	}
	t.Cleanup(func() {
		offerer.Close()
		answerer.Close()
	})
	return offerer, answerer
}

func TestManager_LoopbackNegotiation(t *testing.T) {
	offerer, answerer := newLoopbackPair(t)

	var mu sync.Mutex
	ready := make(map[string]Channel)
	allReady := make(chan struct{})
	answerer.OnChannelReady(func(label string, ch Channel) {
		mu.Lock()
		defer mu.Unlock()
		ready[label] = ch
		if len(ready) == 2 {
			close(allReady)
		}
	})

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	answer, err := answerer.HandleOffer(offer)
	if err != nil {
		t.Fatalf("HandleOffer() error = %v", err)
	}
	applied, err := offerer.HandleAnswer(answer)
	if err != nil || !applied {
		t.Fatalf("HandleAnswer() = %v, %v; want true, nil", applied, err)
	}

	select {
	case <-allReady:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for input and terminal channels")
	}

	mu.Lock()
	terminal := ready[LabelTerminal]
	_, hasInput := ready[LabelInput]
	mu.Unlock()
	if !hasInput || terminal == nil {
		t.Fatalf("ready channels = %v, want input and terminal", ready)
	}

	received := make(chan string, 1)
	terminal.OnMessage(func(data []byte) {
		received <- string(data)
	})

	local, ok := offerer.Channel(LabelTerminal)
	if !ok {
		t.Fatal("offerer has no terminal channel")
	}
	deadline := time.Now().Add(5 * time.Second)
	for !local.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := local.SendText(`{"type":"pty-start","cols":80,"rows":24}`); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != `{"type":"pty-start","cols":80,"rows":24}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	deadline = time.Now().Add(5 * time.Second)
	for answerer.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := answerer.State(); got != StateConnected {
		t.Errorf("answerer State() = %s, want connected", got)
	}
}

func TestManager_AnswerWithoutOfferIgnored(t *testing.T) {
	offerer, answerer := newLoopbackPair(t)

	// Produce a syntactically valid answer from a separate negotiation.
	other := New(Config{Role: RoleOfferer, ICEServers: []webrtc.ICEServer{}}, logging.NopLogger())
	if err := other.Create(); err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	offer, err := other.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	answer, err := answerer.HandleOffer(offer)
	if err != nil {
		t.Fatal(err)
	}

	applied, err := offerer.HandleAnswer(answer)
	if err != nil {
		t.Errorf("HandleAnswer() error = %v, want nil", err)
	}
	if applied {
		t.Error("HandleAnswer() applied an answer with no local offer")
	}
	if got := offerer.State(); got != StateNew {
		t.Errorf("State() = %s, want new", got)
	}
}

func TestManager_NotCreated(t *testing.T) {
	m := New(Config{}, nil)

	if _, err := m.CreateOffer(); !errors.Is(err, ErrNotCreated) {
		t.Errorf("CreateOffer() error = %v, want ErrNotCreated", err)
	}
	if _, err := m.HandleAnswer("v=0"); !errors.Is(err, ErrNotCreated) {
		t.Errorf("HandleAnswer() error = %v, want ErrNotCreated", err)
	}
	if err := m.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}); !errors.Is(err, ErrNotCreated) {
		t.Errorf("AddICECandidate() error = %v, want ErrNotCreated", err)
	}
	if _, err := m.OpenChannel(LabelFileTransfer); !errors.Is(err, ErrNotCreated) {
		t.Errorf("OpenChannel() error = %v, want ErrNotCreated", err)
	}
}

func TestManager_OffererPrecreatesChannels(t *testing.T) {
	m := New(Config{Role: RoleOfferer, ICEServers: []webrtc.ICEServer{}}, nil)
	if err := m.Create(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	for _, label := range []string{LabelInput, LabelTerminal} {
		if _, ok := m.Channel(label); !ok {
			t.Errorf("missing %s channel", label)
		}
	}
	if _, ok := m.Channel(LabelFileTransfer); ok {
		t.Error("file-transfer channel should be created lazily")
	}

	ch, err := m.OpenChannel(LabelFileTransfer)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	again, err := m.OpenChannel(LabelFileTransfer)
	if err != nil || again != ch {
		t.Error("OpenChannel() should return the existing channel")
	}
}

func TestManager_OpenChannelConcurrent(t *testing.T) {
	m := New(Config{Role: RoleOfferer, ICEServers: []webrtc.ICEServer{}}, nil)
	if err := m.Create(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	const callers = 16
	got := make([]Channel, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ch, err := m.OpenChannel(LabelFileTransfer)
			if err != nil {
				t.Errorf("OpenChannel() error = %v", err)
				return
			}
			got[i] = ch
		}()
	}
	close(start)
	wg.Wait()

	want, ok := m.Channel(LabelFileTransfer)
	if !ok {
		t.Fatal("file-transfer channel not registered")
	}
	for i, ch := range got {
		if ch != want {
			t.Errorf("caller %d got a different %s channel", i, LabelFileTransfer)
		}
	}
}

func TestManager_CandidatesQueuedBeforeRemoteDescription(t *testing.T) {
	m := New(Config{Role: RoleAnswerer, ICEServers: []webrtc.ICEServer{}}, nil)
	if err := m.Create(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// Garbage candidate is accepted while no remote description exists.
	if err := m.AddICECandidate(webrtc.ICECandidateInit{Candidate: "not a candidate"}); err != nil {
		t.Errorf("AddICECandidate() error = %v, want nil while queued", err)
	}
	m.mu.Lock()
	queued := len(m.pending)
	m.mu.Unlock()
	if queued != 1 {
		t.Errorf("pending = %d, want 1", queued)
	}
}

func TestManager_StateTransitions(t *testing.T) {
	m := New(Config{}, nil)

	var got []State
	m.OnStateChange(func(s State) { got = append(got, s) })

	m.setState(StateConnecting)
	m.setState(StateConnecting)
	m.assertConnected()
	m.setState(StateDisconnected)
	m.setState(StateClosed)
	m.setState(StateConnected)

	want := []State{StateConnecting, StateConnected, StateDisconnected, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStateFromPion(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want State
	}{
		{webrtc.PeerConnectionStateNew, StateNew},
		{webrtc.PeerConnectionStateConnecting, StateConnecting},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
	}
	for _, tt := range tests {
		if got := stateFromPion(tt.in); got != tt.want {
			t.Errorf("stateFromPion(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
