package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrDecode marks a frame that is not a valid command envelope.
var ErrDecode = errors.New("decode envelope")

// Kind identifies the envelope variant.
type Kind string

const (
	KindSubscribe   Kind = "SUBSCRIBE"
	KindUnsubscribe Kind = "UNSUBSCRIBE"
	KindPublish     Kind = "PUBLISH"
	KindOK          Kind = "OK"
	KindError       Kind = "ERROR"
)

// Envelope is one decoded command. Only the fields of its Kind are set:
// Channel for SUBSCRIBE/UNSUBSCRIBE/PUBLISH, Payload for PUBLISH and
// Message for ERROR.
type Envelope struct {
	Kind    Kind
	Channel string
	Payload []byte
	Message string
}

// Subscribe builds a SUBSCRIBE envelope.
func Subscribe(channel string) Envelope {
	return Envelope{Kind: KindSubscribe, Channel: channel}
}

// Unsubscribe builds an UNSUBSCRIBE envelope.
func Unsubscribe(channel string) Envelope {
	return Envelope{Kind: KindUnsubscribe, Channel: channel}
}

// Publish builds a PUBLISH envelope.
func Publish(channel string, payload []byte) Envelope {
	return Envelope{Kind: KindPublish, Channel: channel, Payload: payload}
}

// OK builds an acknowledgment.
func OK() Envelope {
	return Envelope{Kind: KindOK}
}

// Error builds an error report.
func Error(msg string) Envelope {
	return Envelope{Kind: KindError, Message: msg}
}

// Payload is a byte slice encoded as a JSON array of byte values
// ([104,105]). On input a JSON string is also accepted and taken as its
// UTF-8 bytes.
type Payload []byte

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+len(p)*4)
	buf = append(buf, '[')
	for i, b := range p {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(b), 10)
	}
	buf = append(buf, ']')
	return buf, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return errors.New("payload is null")
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Payload(s)
		return nil
	}

	// Decoding into []int keeps out-of-range values detectable; []uint8
	// would be read as base64.
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("payload byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*p = out
	return nil
}

// Wire types for JSON encoding. An envelope is an object with exactly one
// key naming the variant. Decode does not use them; it checks keys exactly.

type wireEnvelope struct {
	Subscribe   *channelWire `json:"SUBSCRIBE,omitempty"`
	Unsubscribe *channelWire `json:"UNSUBSCRIBE,omitempty"`
	Publish     *publishWire `json:"PUBLISH,omitempty"`
	OK          *struct{}    `json:"OK,omitempty"`
	Error       *errorWire   `json:"ERROR,omitempty"`
}

type channelWire struct {
	Channel string `json:"channel"`
}

type publishWire struct {
	Channel string  `json:"channel"`
	Msg     Payload `json:"msg"`
}

type errorWire struct {
	Msg string `json:"msg"`
}
