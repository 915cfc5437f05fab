package session

import (
	"log/slog"

	"github.com/rickgao/newmq/internal/broker"
	"github.com/rickgao/newmq/internal/message"
)

// Broker is the subset of *broker.Broker the handler drives.
type Broker interface {
	OnConnect(id broker.ConnID, h broker.Handle)
	OnDisconnect(id broker.ConnID)
	Subscribe(id broker.ConnID, channel string) error
	Unsubscribe(id broker.ConnID, channel string) error
	Publish(channel string, payload []byte) (broker.PublishResult, error)
}

var okFrame = message.MustEncode(message.OK())

// Handler turns decoded commands into broker calls. It knows nothing about
// the transport: OnMessage takes a raw frame and returns the raw reply.
type Handler struct {
	broker Broker
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(b Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker: b,
		logger: logger,
	}
}

// OnOpen registers a new connection.
func (h *Handler) OnOpen(id broker.ConnID, handle broker.Handle) {
	h.broker.OnConnect(id, handle)
}

// OnClose unregisters a connection and drops its subscriptions.
func (h *Handler) OnClose(id broker.ConnID) {
	h.broker.OnDisconnect(id)
}

// OnMessage handles one inbound frame and returns the reply to send back to
// the same connection, or nil when the frame needs no reply.
func (h *Handler) OnMessage(id broker.ConnID, data []byte) []byte {
	env, err := message.Decode(data)
	if err != nil {
		h.logger.Warn("bad frame", "conn_id", id, "error", err, "size", len(data))
		return h.errorFrame(err)
	}

	switch env.Kind {
	case message.KindSubscribe:
		return h.reply(id, env, h.broker.Subscribe(id, env.Channel))

	case message.KindUnsubscribe:
		return h.reply(id, env, h.broker.Unsubscribe(id, env.Channel))

	case message.KindPublish:
		// Subscribers get the same envelope the publisher sent.
		frame, err := message.Encode(message.Publish(env.Channel, env.Payload))
		if err != nil {
			return h.errorFrame(err)
		}
		result, err := h.broker.Publish(env.Channel, frame)
		if err == nil {
			h.logger.Debug("published",
				"conn_id", id,
				"channel", env.Channel,
				"bytes", len(env.Payload),
				"recipients", result.Recipients,
				"failed", len(result.Failures),
			)
		}
		return h.reply(id, env, err)

	case message.KindOK:
		h.logger.Debug("ignoring ok from client", "conn_id", id)
		return nil

	case message.KindError:
		h.logger.Debug("client reported error", "conn_id", id, "message", env.Message)
		return nil
	}

	return nil
}

func (h *Handler) reply(id broker.ConnID, env message.Envelope, err error) []byte {
	if err == nil {
		return okFrame
	}
	h.logger.Debug("command rejected",
		"conn_id", id,
		"command", env.Kind,
		"channel", env.Channel,
		"error", err,
	)
	return h.errorFrame(err)
}

func (h *Handler) errorFrame(err error) []byte {
	return message.MustEncode(message.Error(err.Error()))
}
