package broker

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes message envelopes for byte-oriented transports.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(m Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(m Message) ([]byte, error) { return json.Marshal(m) }

func (JSON) Unmarshal(data []byte, m *Message) error { return json.Unmarshal(data, m) }

type Msgpack struct{}

func (Msgpack) Name() string        { return "msgpack" }
func (Msgpack) ContentType() string { return "application/x-msgpack" }

func (Msgpack) Marshal(m Message) ([]byte, error) { return msgpack.Marshal(m) }

func (Msgpack) Unmarshal(data []byte, m *Message) error { return msgpack.Unmarshal(data, m) }

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("unknown serializer %q", name)
}
