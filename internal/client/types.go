package client

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrTimeout       = errors.New("operation timeout")
	ErrAlreadyClosed = errors.New("already closed")
	ErrRejected      = errors.New("rejected by broker")
)

// Config holds client settings. Zero WriteTimeout, ReplyTimeout and
// BufferSize take their DefaultConfig values.
type Config struct {
	URL          string        // ws://host:port/path
	WriteTimeout time.Duration // Deadline for a single frame write
	ReplyTimeout time.Duration // How long a command waits for OK/ERROR
	PingInterval time.Duration // How often the client pings the broker; 0 disables
	BufferSize   int           // Capacity of the Messages channel
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		WriteTimeout: 5 * time.Second,
		ReplyTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		BufferSize:   1000,
	}
}

// Message is one publish forwarded by the broker.
type Message struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// reply is the broker's answer to one command; err is nil for OK.
type reply struct {
	err error
}
