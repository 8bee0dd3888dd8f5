// Package peertest provides in-memory data channels for exercising the
// session protocols without a WebRTC stack.
package peertest

import (
	"sync"

	"github.com/postalsys/deskline/internal/peer"
)

// Endpoint is an in-memory peer.Channel. Endpoints created by Pipe deliver
// to each other in send order on a dedicated goroutine; endpoints created by
// NewRecorder only record what is sent and receive through Deliver.
type Endpoint struct {
	label string

	mu        sync.Mutex
	open      bool
	closed    bool
	remote    *Endpoint
	sent      [][]byte
	buffered  uint64
	threshold uint64
	sendErr   error
	onOpen    []func()
	onMessage []func([]byte)
	onClose   []func()
	onLow     []func()

	inboxMu sync.Mutex
	inbox   [][]byte
	signal  chan struct{}
	done    chan struct{}
}

var _ peer.Channel = (*Endpoint)(nil)

func newEndpoint(label string) *Endpoint {
	return &Endpoint{
		label:  label,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewRecorder returns a closed endpoint with no remote side.
func NewRecorder(label string) *Endpoint {
	return newEndpoint(label)
}

// Pipe returns two connected, not yet open endpoints. Call Open on either to open both.
func Pipe(label string) (*Endpoint, *Endpoint) {
	a, b := newEndpoint(label), newEndpoint(label)
	a.remote, b.remote = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

// Open opens the endpoint (and its remote) and fires open handlers.
func (e *Endpoint) Open() {
	e.setOpen()
	if e.remote != nil {
		e.remote.setOpen()
	}
}

func (e *Endpoint) setOpen() {
	e.mu.Lock()
	if e.open || e.closed {
		e.mu.Unlock()
		return
	}
	e.open = true
	handlers := append([]func(){}, e.onOpen...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *Endpoint) Label() string { return e.label }

func (e *Endpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open && !e.closed
}

func (e *Endpoint) SendText(text string) error {
	e.mu.Lock()
	if !e.open || e.closed {
		e.mu.Unlock()
		return peer.ErrChannelClosed
	}
	if e.sendErr != nil {
		err := e.sendErr
		e.mu.Unlock()
		return err
	}
	data := []byte(text)
	e.sent = append(e.sent, data)
	remote := e.remote
	e.mu.Unlock()

	if remote != nil {
		remote.enqueue(data)
	}
	return nil
}

func (e *Endpoint) enqueue(data []byte) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, data)
	e.inboxMu.Unlock()
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}
		for {
			e.inboxMu.Lock()
			if len(e.inbox) == 0 {
				e.inboxMu.Unlock()
				break
			}
			data := e.inbox[0]
			e.inbox = e.inbox[1:]
			e.inboxMu.Unlock()
			e.Deliver(data)
		}
	}
}

// Deliver runs the message handlers with data on the caller's goroutine.
func (e *Endpoint) Deliver(data []byte) {
	e.mu.Lock()
	handlers := append([]func([]byte){}, e.onMessage...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

// OnOpen registers fn; it runs immediately when the endpoint is already open.
func (e *Endpoint) OnOpen(fn func()) {
	e.mu.Lock()
	e.onOpen = append(e.onOpen, fn)
	open := e.open && !e.closed
	e.mu.Unlock()
	if open {
		fn()
	}
}

func (e *Endpoint) OnMessage(fn func(data []byte)) {
	e.mu.Lock()
	e.onMessage = append(e.onMessage, fn)
	e.mu.Unlock()
}

func (e *Endpoint) OnClose(fn func()) {
	e.mu.Lock()
	e.onClose = append(e.onClose, fn)
	e.mu.Unlock()
}

func (e *Endpoint) BufferedAmount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered
}

func (e *Endpoint) SetBufferedAmountLowThreshold(threshold uint64) {
	e.mu.Lock()
	e.threshold = threshold
	e.mu.Unlock()
}

func (e *Endpoint) OnBufferedAmountLow(fn func()) {
	e.mu.Lock()
	e.onLow = append(e.onLow, fn)
	e.mu.Unlock()
}

// SetBufferedAmount sets the reported buffered amount. Dropping to or below
// the low threshold fires the buffered-amount-low handlers.
func (e *Endpoint) SetBufferedAmount(n uint64) {
	e.mu.Lock()
	prev := e.buffered
	e.buffered = n
	fire := prev > e.threshold && n <= e.threshold
	handlers := append([]func(){}, e.onLow...)
	e.mu.Unlock()
	if fire {
		for _, fn := range handlers {
			fn()
		}
	}
}

// SetSendError makes subsequent sends fail with err.
func (e *Endpoint) SetSendError(err error) {
	e.mu.Lock()
	e.sendErr = err
	e.mu.Unlock()
}

// Sent returns a copy of every message sent through this endpoint.
func (e *Endpoint) Sent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.sent))
	copy(out, e.sent)
	return out
}

// Reset forgets recorded messages.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	e.sent = nil
	e.mu.Unlock()
}

// Close closes the endpoint and its remote, firing close handlers once.
func (e *Endpoint) Close() error {
	e.close()
	if e.remote != nil {
		e.remote.close()
	}
	return nil
}

func (e *Endpoint) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	handlers := append([]func(){}, e.onClose...)
	e.mu.Unlock()
	close(e.done)
	for _, fn := range handlers {
		fn()
	}
}
