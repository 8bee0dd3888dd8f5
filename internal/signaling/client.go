// Package signaling implements the control-plane socket to the signaling
// relay: the session handshake and the exchange of offers, answers and ICE
// candidates.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/recovery"
)

// Role is the participant kind announced to the relay.
type Role string

const (
	RoleEngineer Role = "engineer"
	RoleAgent    Role = "agent"
)

// ErrClosed is returned by Send after the socket has gone away.
var ErrClosed = errors.New("signaling connection closed")

const (
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 1 << 20
)

// Config configures a Client.
type Config struct {
	URL      string
	Token    string
	Role     Role
	SenderID string
	// WriteTimeout bounds each send when the caller's context has no deadline.
	WriteTimeout time.Duration
	Reconnect    ReconnectPolicy
	Metrics      *metrics.Metrics
}

// Events receives inbound messages. Handlers run on the read goroutine in
// arrival order; nil handlers drop the message.
type Events struct {
	// OnOpen runs after every successful (re)connect, before any message is read.
	OnOpen           func(c *Client)
	OnConnected      func(msg Message)
	OnSessionRequest func(msg Message)
	OnSessionAccept  func(msg Message)
	OnSessionDeny    func(msg Message)
	OnOffer          func(msg Message)
	OnAnswer         func(msg Message)
	OnICECandidate   func(msg Message)
	OnError          func(msg Message)
	// OnClosed runs once when the socket is gone. err is nil after Close.
	OnClosed func(err error)
}

// Client is one live signaling socket.
type Client struct {
	cfg    Config
	events Events
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	closing bool
	err     error
	done    chan struct{}
}

// BuildURL appends the token and role query parameters to base.
func BuildURL(base, token string, role Role) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid signaling url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the relay and starts reading. Events.OnOpen runs before Dial returns.
func Dial(ctx context.Context, cfg Config, events Events, logger *slog.Logger) (*Client, error) {
	if cfg.Role == "" {
		cfg.Role = RoleEngineer
	}
	if cfg.SenderID == "" {
		cfg.SenderID = uuid.NewString()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	wsURL, err := BuildURL(cfg.URL, cfg.Token, cfg.Role)
	if err != nil {
		return nil, err
	}

	logger = logging.Component(logger, "signaling")
	logger.Debug("dialing relay", logging.KeyURL, cfg.URL, "role", string(cfg.Role))

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		cfg:    cfg,
		events: events,
		logger: logger,
		conn:   conn,
		done:   make(chan struct{}),
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SignalingConnects.Inc()
	}

	if events.OnOpen != nil {
		events.OnOpen(c)
	}

	go c.readLoop()
	return c, nil
}

// SenderID returns the id stamped on outbound messages.
func (c *Client) SenderID() string { return c.cfg.SenderID }

// Send writes msg, filling in the sender id and timestamp when absent.
func (c *Client) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if msg.SenderID == "" {
		msg.SenderID = c.cfg.SenderID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := encode(msg)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}

	c.logger.Debug("sent", logging.KeyType, string(msg.Type), logging.KeySessionID, msg.SessionID)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordSignaling("out", string(msg.Type))
	}
	return nil
}

// SendPayload builds and sends a message of type t carrying payload.
func (c *Client) SendPayload(ctx context.Context, t MessageType, sessionID string, payload interface{}) error {
	msg, err := NewMessage(t, sessionID, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// Close closes the socket. OnClosed runs with a nil error once the read loop exits.
// Safe to call from an event handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	go c.conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	var readErr error
	defer func() {
		c.finish(readErr)
	}()
	defer recovery.RecoverWithLog(c.logger, "signaling.readLoop")

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			readErr = err
			return
		}

		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed signaling message", logging.KeyError, err)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordMalformed("signaling")
			}
			continue
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordSignaling("in", string(msg.Type))
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	var handler func(Message)
	switch msg.Type {
	case TypeConnected:
		c.logger.Info("registered with relay", logging.KeySessionID, msg.SessionID)
		handler = c.events.OnConnected
	case TypeSessionRequest:
		handler = c.events.OnSessionRequest
	case TypeSessionAccept:
		handler = c.events.OnSessionAccept
	case TypeSessionDeny:
		handler = c.events.OnSessionDeny
	case TypeOffer:
		handler = c.events.OnOffer
	case TypeAnswer:
		handler = c.events.OnAnswer
	case TypeICECandidate:
		handler = c.events.OnICECandidate
	case TypeError:
		c.logger.Warn("relay error", logging.KeyError, msg.ErrorText())
		handler = c.events.OnError
	default:
		c.logger.Debug("ignoring unknown signaling message", logging.KeyType, string(msg.Type))
		return
	}
	if handler != nil {
		handler(msg)
	}
}

func (c *Client) finish(readErr error) {
	c.mu.Lock()
	closing := c.closing
	if !closing && readErr != nil {
		c.err = readErr
	}
	err := c.err
	c.mu.Unlock()

	if closing {
		c.logger.Debug("signaling closed")
	} else {
		c.logger.Warn("signaling connection lost", logging.KeyError, readErr)
		c.conn.Close(websocket.StatusInternalError, "")
	}
	close(c.done)

	if c.events.OnClosed != nil {
		c.events.OnClosed(err)
	}
}
