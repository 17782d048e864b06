// Package serializer defines the payload codec contract used by the bus and
// ships a JSON implementation backed by sonic. Serializers are pure: they
// never perform I/O and must be safe for concurrent use.
package serializer

import (
	"fmt"
	"reflect"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
)

// Serializer converts application messages to and from transport bytes.
// Deserialize receives the declared Go type resolved from the message-type
// header and returns a value of exactly that type.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, t reflect.Type) (any, error)
	ContentType() string
}

// JSON serializes messages with the sonic JSON codec.
type JSON struct{}

// NewJSON returns the default JSON serializer.
func NewJSON() JSON { return JSON{} }

func (JSON) ContentType() string { return "application/json" }

func (JSON) Serialize(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

func (JSON) Deserialize(data []byte, t reflect.Type) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("serializer: target type is required")
	}

	if t.Kind() == reflect.Pointer {
		out := reflect.New(t.Elem())
		if err := jsoncodec.Unmarshal(data, out.Interface()); err != nil {
			return nil, err
		}
		return out.Interface(), nil
	}

	out := reflect.New(t)
	if err := jsoncodec.Unmarshal(data, out.Interface()); err != nil {
		return nil, err
	}
	return out.Elem().Interface(), nil
}
