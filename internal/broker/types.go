package broker

import (
	"bytes"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrAlreadySubscribed = errors.New("the client was already subscribed to this channel")
	ErrNotSubscribed     = errors.New("the client was never subscribed to this channel")
	ErrInvalidChannel    = errors.New("channel name must not be empty")
	ErrConnectionGone    = errors.New("connection is not registered")
)

// ConnID identifies one live connection. IDs are UUIDv7 so they sort in
// connection order.
type ConnID = uuid.UUID

// NewConnID returns a fresh connection ID.
func NewConnID() ConnID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// CompareConnID orders connection IDs by their bytes.
func CompareConnID(a, b ConnID) int {
	return bytes.Compare(a[:], b[:])
}

// Handle delivers bytes to one connection. Send must not block; a
// connection that cannot accept the bytes right now returns an error.
type Handle interface {
	Send(data []byte) error
}

// HandleFunc is a function adapter for Handle.
type HandleFunc func([]byte) error

func (f HandleFunc) Send(data []byte) error {
	return f(data)
}

// DeliveryFailure records one recipient that did not get a published payload.
type DeliveryFailure struct {
	ConnID ConnID
	Err    error
}

// PublishResult summarizes one fan-out. A publish succeeds once every
// subscriber has been visited, whatever the per-recipient outcome.
type PublishResult struct {
	Channel    string
	Recipients int
	Delivered  int
	Failures   []DeliveryFailure
}

// Stats contains broker statistics.
type Stats struct {
	Connections      int   `json:"connections"`
	Channels         int   `json:"channels"`
	Subscriptions    int   `json:"subscriptions"`
	Published        int64 `json:"published"`
	Deliveries       int64 `json:"deliveries"`
	DeliveryFailures int64 `json:"delivery_failures"`
}

// ChannelInfo describes one channel in a Channels snapshot.
type ChannelInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// EventKind names a broker state change reported to an EventSink.
type EventKind string

const (
	EventConnect     EventKind = "connect"
	EventDisconnect  EventKind = "disconnect"
	EventSubscribe   EventKind = "subscribe"
	EventUnsubscribe EventKind = "unsubscribe"
	EventPublish     EventKind = "publish"
)

// Event is one broker state change. Publish events carry sizes and counts,
// never the payload itself.
type Event struct {
	Kind      EventKind
	ConnID    ConnID // zero for publish
	Channel   string
	Bytes     int
	Delivered int
	Failed    int
	At        time.Time
}

// EventSink receives broker events. Record is called while the broker lock
// is held, so implementations must not block.
type EventSink interface {
	Record(Event)
}
