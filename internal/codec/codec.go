// Package codec provides the serialization used for task argument and result
// buffers as well as transport payloads.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines payload serialization for argument buffers, result buffers and
// transport envelopes.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	ContentType() string
}

// Msgpack is the default buffer codec.
type Msgpack struct{}

func (Msgpack) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (Msgpack) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }
func (Msgpack) ContentType() string                        { return "application/x-msgpack" }

type JSON struct{}

func (JSON) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (JSON) ContentType() string                        { return "application/json" }

// ByName returns the codec registered under name ("msgpack" or "json").
// An empty name selects msgpack.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return Msgpack{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}
