package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/newmq/internal/broker"
	"github.com/rickgao/newmq/internal/queue"
)

// Config holds per-connection settings.
type Config struct {
	SendBufferSize    int           // Initial outbound queue capacity
	MaxSendBufferSize int           // Outbound queue ceiling; sends past it fail
	MaxMessageSize    int64         // Largest inbound frame accepted
	WriteTimeout      time.Duration // Deadline for a single frame write
	PingInterval      time.Duration // How often the server pings the peer
	PongTimeout       time.Duration // Read deadline, extended by every pong or frame
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBufferSize:    64,
		MaxSendBufferSize: 4096,
		MaxMessageSize:    1 << 20,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
	}
}

// Session is one websocket connection bound to the broker. It implements
// broker.Handle: Send enqueues and a single writer goroutine drains the
// queue, so the broker never waits on the network.
type Session struct {
	id      broker.ConnID
	cfg     Config
	conn    *websocket.Conn
	handler *Handler
	logger  *slog.Logger

	out *queue.Queue[[]byte]

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an upgraded connection. The session is not registered until
// Serve is called.
func New(conn *websocket.Conn, handler *Handler, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := broker.NewConnID()

	return &Session{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		handler: handler,
		logger:  logger.With("conn_id", id, "remote", conn.RemoteAddr().String()),
		out:     queue.New[[]byte](cfg.SendBufferSize, cfg.MaxSendBufferSize),
		done:    make(chan struct{}),
	}
}

// Send queues a frame for the writer. It never blocks.
func (s *Session) Send(data []byte) error {
	return s.out.Send(data)
}

// Serve registers the session and runs it until the peer goes away or ctx
// is cancelled. The connection is unregistered before Serve returns.
func (s *Session) Serve(ctx context.Context) {
	s.handler.OnOpen(s.id, s)
	s.logger.Info("connection opened")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.pingLoop()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second),
			)
			s.conn.Close()
		case <-s.done:
		}
	}()

	s.readLoop()
	s.close()
	wg.Wait()

	stats := s.out.Stats()
	s.logger.Info("connection closed",
		"frames_sent", stats.TotalSent,
		"frames_dropped", stats.Rejected,
	)
}

// close unregisters the session, then stops the writer.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.handler.OnClose(s.id)
		s.out.Close()
		close(s.done)
	})
}

// readLoop reads frames and queues the reply for each.
func (s *Session) readLoop() {
	if s.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.logger.Warn("frame too large", "limit", s.cfg.MaxMessageSize)
			case websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			):
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		s.extendReadDeadline()

		reply := s.handler.OnMessage(s.id, data)
		if reply == nil {
			continue
		}
		if err := s.out.Send(reply); err != nil {
			s.logger.Warn("reply dropped", "error", err)
		}
	}
}

// writeLoop drains the outbound queue until it is closed and empty, then
// closes the connection.
func (s *Session) writeLoop() {
	defer s.conn.Close()

	for {
		data, ok := s.out.Receive()
		if !ok {
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}

		s.conn.SetWriteDeadline(s.writeDeadline())
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("write failed", "error", err)
			return
		}
	}
}

// pingLoop keeps idle peers alive and detects dead ones.
func (s *Session) pingLoop() {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, s.writeDeadline()); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (s *Session) extendReadDeadline() {
	if s.cfg.PongTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	}
}

// writeDeadline returns the zero time, meaning no deadline, when
// WriteTimeout is unset.
func (s *Session) writeDeadline() time.Time {
	if s.cfg.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.cfg.WriteTimeout)
}
