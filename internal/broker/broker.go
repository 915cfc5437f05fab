package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Broker owns the connection and channel registries behind one mutex.
// Every operation is atomic with respect to every other, so concurrent
// calls behave as if applied in some total order.
type Broker struct {
	logger *slog.Logger
	sink   EventSink
	now    func() time.Time

	mu       sync.Mutex
	conns    *connRegistry
	channels *channelRegistry

	// Stats
	published  int64
	deliveries int64
	failures   int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithEventSink reports state changes to sink.
func WithEventSink(sink EventSink) Option {
	return func(b *Broker) {
		b.sink = sink
	}
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:   slog.Default(),
		now:      time.Now,
		conns:    newConnRegistry(),
		channels: newChannelRegistry(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// OnConnect registers a connection. A second call for the same id replaces
// the handle.
func (b *Broker) OnConnect(id ConnID, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns.add(id, h)
	b.record(Event{Kind: EventConnect, ConnID: id})

	b.logger.Debug("connection added", "conn_id", id, "connections", b.conns.len())
}

// OnDisconnect removes the connection and all of its subscriptions. Once it
// returns, no publish will attempt delivery to id. Safe for unknown ids.
func (b *Broker) OnDisconnect(id ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns.remove(id)
	left := b.channels.removeConnection(id)
	b.record(Event{Kind: EventDisconnect, ConnID: id})

	b.logger.Debug("connection removed",
		"conn_id", id,
		"channels_left", len(left),
		"connections", b.conns.len(),
	)
}

// Subscribe adds id to channel. It returns ErrAlreadySubscribed (wrapped)
// when id is already a member; state is unchanged in that case.
func (b *Broker) Subscribe(id ConnID, channel string) error {
	if channel == "" {
		return ErrInvalidChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.channels.subscribe(channel, id); err != nil {
		return err
	}
	b.record(Event{Kind: EventSubscribe, ConnID: id, Channel: channel})

	b.logger.Debug("subscribed", "conn_id", id, "channel", channel)
	return nil
}

// Unsubscribe removes id from channel. It returns ErrNotSubscribed
// (wrapped) when there was no such subscription.
func (b *Broker) Unsubscribe(id ConnID, channel string) error {
	if channel == "" {
		return ErrInvalidChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.channels.unsubscribe(channel, id); err != nil {
		return err
	}
	b.record(Event{Kind: EventUnsubscribe, ConnID: id, Channel: channel})

	b.logger.Debug("unsubscribed", "conn_id", id, "channel", channel)
	return nil
}

// Publish hands payload to every current subscriber of channel. A failed
// delivery is logged and recorded in the result; it never stops delivery
// to the remaining subscribers. Publishing to a channel nobody listens on
// succeeds with zero recipients.
//
// Handles must not block: sends happen while the broker lock is held, which
// is also what keeps one publisher's messages in order for each subscriber.
func (b *Broker) Publish(channel string, payload []byte) (PublishResult, error) {
	if channel == "" {
		return PublishResult{}, ErrInvalidChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.channels.subscribersOf(channel)
	result := PublishResult{
		Channel:    channel,
		Recipients: len(subscribers),
	}

	for _, id := range subscribers {
		h, ok := b.conns.lookup(id)
		if !ok {
			result.Failures = append(result.Failures, DeliveryFailure{ConnID: id, Err: ErrConnectionGone})
			continue
		}
		if err := h.Send(payload); err != nil {
			result.Failures = append(result.Failures, DeliveryFailure{
				ConnID: id,
				Err:    fmt.Errorf("send: %w", err),
			})
			continue
		}
		result.Delivered++
	}

	b.published++
	b.deliveries += int64(result.Delivered)
	b.failures += int64(len(result.Failures))

	for _, f := range result.Failures {
		b.logger.Warn("delivery failed",
			"channel", channel,
			"conn_id", f.ConnID,
			"error", f.Err,
		)
	}

	b.record(Event{
		Kind:      EventPublish,
		Channel:   channel,
		Bytes:     len(payload),
		Delivered: result.Delivered,
		Failed:    len(result.Failures),
	})

	return result, nil
}

// Subscribers returns the subscribers of channel in ID order.
func (b *Broker) Subscribers(channel string) []ConnID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels.subscribersOf(channel)
}

// Subscriptions returns the channels id is subscribed to, sorted.
func (b *Broker) Subscriptions(id ConnID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels.subscriptionsOf(id)
}

// Connected reports whether id is registered.
func (b *Broker) Connected(id ConnID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns.lookup(id)
	return ok
}

// Channels returns every channel with at least one subscriber, sorted by name.
func (b *Broker) Channels() []ChannelInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels.snapshot()
}

// Stats returns current statistics.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Connections:      b.conns.len(),
		Channels:         len(b.channels.channels),
		Subscriptions:    b.channels.subs,
		Published:        b.published,
		Deliveries:       b.deliveries,
		DeliveryFailures: b.failures,
	}
}

// record forwards e to the sink. Must be called with lock held.
func (b *Broker) record(e Event) {
	if b.sink == nil {
		return
	}
	e.At = b.now()
	b.sink.Record(e)
}
