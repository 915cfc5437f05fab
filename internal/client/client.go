package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/newmq/internal/message"
)

// Client is a broker connection.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Subscribe joins channel and waits for the broker's reply.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe leaves channel and waits for the broker's reply.
	Unsubscribe(ctx context.Context, channel string) error

	// Publish sends payload to channel and waits for the broker's reply.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Messages returns a channel of publishes forwarded by the broker.
	Messages() <-chan Message

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	messages chan Message
	errors   chan error
	done     chan struct{}
	readDone chan struct{}

	// Write serialization. Held across the pending push and the write so
	// pending stays in the order the broker will answer in.
	writeMu sync.Mutex

	// Commands awaiting OK/ERROR, oldest first
	pendingMu sync.Mutex
	pending   []chan reply

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
}

// New creates a new broker client.
func New(cfg Config, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	// Zero timeouts would fail every command at once.
	defaults := DefaultConfig(cfg.URL)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaults.ReplyTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	c := New(cfg, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.conn.Close()
}

// Subscribe joins channel.
func (c *client) Subscribe(ctx context.Context, channel string) error {
	return c.do(ctx, message.Subscribe(channel))
}

// Unsubscribe leaves channel.
func (c *client) Unsubscribe(ctx context.Context, channel string) error {
	return c.do(ctx, message.Unsubscribe(channel))
}

// Publish sends payload to every subscriber of channel.
func (c *client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.do(ctx, message.Publish(channel, payload))
}

// Messages returns the messages channel.
func (c *client) Messages() <-chan Message {
	return c.messages
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// do sends one command and waits for its reply.
func (c *client) do(ctx context.Context, env message.Envelope) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := message.Encode(env)
	if err != nil {
		return err
	}

	respCh := make(chan reply, 1)

	c.writeMu.Lock()
	c.pendingMu.Lock()
	c.pending = append(c.pending, respCh)
	c.pendingMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		c.dropPending(respCh)
	}
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}

	timeout := time.NewTimer(c.cfg.ReplyTimeout)
	defer timeout.Stop()

	// A command that gives up here stays in pending; its late reply lands
	// in the buffered channel and is discarded.
	select {
	case r := <-respCh:
		return r.err
	case <-timeout.C:
		return fmt.Errorf("%w: waiting for %s reply", ErrTimeout, env.Kind)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readDone:
		return ErrNotConnected
	case <-c.done:
		return ErrAlreadyClosed
	}
}

// dropPending removes a command whose frame never made it to the broker.
func (c *client) dropPending(ch chan reply) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p == ch {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// resolve hands a reply to the oldest pending command.
func (c *client) resolve(r reply) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		c.logger.Warn("reply with no pending command", "error", r.err)
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	c.pendingMu.Unlock()

	ch <- r
}

// readLoop reads frames, routing replies to waiting commands and forwarded
// publishes to the messages channel.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.readDone)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		env, err := message.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame from broker", "error", err)
			continue
		}

		switch env.Kind {
		case message.KindOK:
			c.resolve(reply{})
		case message.KindError:
			c.resolve(reply{err: fmt.Errorf("%w: %s", ErrRejected, env.Message)})
		case message.KindPublish:
			msg := Message{
				Channel:    env.Channel,
				Payload:    env.Payload,
				ReceivedAt: receivedAt,
			}
			select {
			case c.messages <- msg:
			case <-c.done:
				return
			default:
				c.logger.Warn("message buffer full, dropping message", "channel", env.Channel)
			}
		default:
			c.logger.Debug("ignoring frame", "kind", env.Kind)
		}
	}
}

// heartbeatLoop pings the broker so idle connections stay open through
// proxies.
func (c *client) heartbeatLoop() {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}
