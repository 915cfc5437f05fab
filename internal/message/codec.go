package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

// Encode serializes e to its wire form.
func Encode(e Envelope) ([]byte, error) {
	var wire wireEnvelope

	switch e.Kind {
	case KindSubscribe:
		wire.Subscribe = &channelWire{Channel: e.Channel}
	case KindUnsubscribe:
		wire.Unsubscribe = &channelWire{Channel: e.Channel}
	case KindPublish:
		payload := e.Payload
		if payload == nil {
			payload = []byte{}
		}
		wire.Publish = &publishWire{Channel: e.Channel, Msg: payload}
	case KindOK:
		wire.OK = &struct{}{}
	case KindError:
		wire.Error = &errorWire{Msg: e.Message}
	default:
		return nil, fmt.Errorf("encode envelope: unknown kind %q", e.Kind)
	}

	return json.Marshal(wire)
}

// MustEncode is Encode for envelopes built by this package's constructors,
// which always encode.
func MustEncode(e Envelope) []byte {
	data, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses one wire frame. Every failure wraps ErrDecode.
//
// Keys are matched exactly: the envelope must hold one variant key spelled
// as on the wire, and the variant body may hold only that variant's fields.
func Decode(data []byte) (Envelope, error) {
	top, err := object(data, string(KindSubscribe), string(KindUnsubscribe),
		string(KindPublish), string(KindOK), string(KindError))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch len(top) {
	case 0:
		return Envelope{}, fmt.Errorf("%w: missing command", ErrDecode)
	case 1:
	default:
		return Envelope{}, fmt.Errorf("%w: more than one command in envelope", ErrDecode)
	}

	var (
		kind Kind
		body json.RawMessage
	)
	for k, v := range top {
		kind, body = Kind(k), v
	}

	env, err := decodeBody(kind, body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrDecode, kind, err)
	}
	return env, nil
}

func decodeBody(kind Kind, body json.RawMessage) (Envelope, error) {
	switch kind {
	case KindSubscribe, KindUnsubscribe:
		fields, err := object(body, "channel")
		if err != nil {
			return Envelope{}, err
		}
		channel, err := channelField(fields)
		if err != nil {
			return Envelope{}, err
		}
		if kind == KindSubscribe {
			return Subscribe(channel), nil
		}
		return Unsubscribe(channel), nil

	case KindPublish:
		fields, err := object(body, "channel", "msg")
		if err != nil {
			return Envelope{}, err
		}
		channel, err := channelField(fields)
		if err != nil {
			return Envelope{}, err
		}
		raw, ok := fields["msg"]
		if !ok {
			return Envelope{}, errors.New("missing field \"msg\"")
		}
		var payload Payload
		if err := payload.UnmarshalJSON(raw); err != nil {
			return Envelope{}, fmt.Errorf("field \"msg\": %w", err)
		}
		return Publish(channel, payload), nil

	case KindOK:
		if _, err := object(body); err != nil {
			return Envelope{}, err
		}
		return OK(), nil

	case KindError:
		fields, err := object(body, "msg")
		if err != nil {
			return Envelope{}, err
		}
		msg, err := stringField(fields, "msg")
		if err != nil {
			return Envelope{}, err
		}
		return Error(msg), nil
	}

	return Envelope{}, fmt.Errorf("unknown command %q", kind)
}

func channelField(fields map[string]json.RawMessage) (string, error) {
	channel, err := stringField(fields, "channel")
	if err != nil {
		return "", err
	}
	if channel == "" {
		return "", errors.New("requires a channel")
	}
	return channel, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q: %w", name, err)
	}
	return s, nil
}

// object reads data as a single JSON object and returns its members. Keys
// must be one of allowed, spelled exactly, and appear at most once.
func object(data []byte, allowed ...string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected an object")
	}

	members := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("expected an object key")
		}
		if !slices.Contains(allowed, key) {
			return nil, fmt.Errorf("unknown field %q", key)
		}
		if _, dup := members[key]; dup {
			return nil, fmt.Errorf("duplicate field %q", key)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		members[key] = value
	}

	// Closing brace, then nothing but whitespace.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after object")
	}
	return members, nil
}
