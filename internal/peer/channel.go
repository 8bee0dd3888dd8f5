package peer

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Channel labels negotiated between viewer and agent.
const (
	LabelInput        = "input"
	LabelTerminal     = "terminal"
	LabelFileTransfer = "file-transfer"
)

// ErrChannelClosed is returned when sending on a channel that is not open.
var ErrChannelClosed = errors.New("data channel is not open")

// Channel is an ordered, message-oriented data channel. Handlers registered
// through OnOpen, OnMessage, OnClose and OnBufferedAmountLow accumulate, so
// several components may observe the same channel.
type Channel interface {
	Label() string
	IsOpen() bool
	SendText(text string) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(fn func())
	Close() error
}

// dataChannel adapts a pion DataChannel to Channel.
type dataChannel struct {
	dc *webrtc.DataChannel

	mu        sync.Mutex
	onOpen    []func()
	onMessage []func([]byte)
	onClose   []func()
	onLow     []func()
	opened    bool
}

func wrapDataChannel(dc *webrtc.DataChannel) *dataChannel {
	c := &dataChannel{dc: dc}

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.opened {
			c.mu.Unlock()
			return
		}
		c.opened = true
		handlers := append([]func(){}, c.onOpen...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		handlers := append([]func([]byte){}, c.onMessage...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		c.mu.Lock()
		handlers := append([]func(){}, c.onClose...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
	dc.OnBufferedAmountLow(func() {
		c.mu.Lock()
		handlers := append([]func(){}, c.onLow...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})

	return c
}

func (c *dataChannel) Label() string { return c.dc.Label() }

func (c *dataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *dataChannel) SendText(text string) error {
	if !c.IsOpen() {
		return ErrChannelClosed
	}
	return c.dc.SendText(text)
}

// OnOpen registers fn for the open event. If the channel is already open fn
// runs immediately on the caller's goroutine.
func (c *dataChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	already := c.opened
	c.mu.Unlock()
	if already {
		fn()
	}
}

func (c *dataChannel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.mu.Unlock()
}

func (c *dataChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *dataChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *dataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *dataChannel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	c.onLow = append(c.onLow, fn)
	c.mu.Unlock()
}

func (c *dataChannel) Close() error { return c.dc.Close() }
