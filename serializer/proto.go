package serializer

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// ProtoJSON serializes proto.Message payloads with protojson. Declared
// message types must be pointers to generated proto structs.
type ProtoJSON struct{}

// NewProtoJSON returns a serializer for protobuf-generated message types.
func NewProtoJSON() ProtoJSON { return ProtoJSON{} }

func (ProtoJSON) ContentType() string { return "application/json" }

func (ProtoJSON) Serialize(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("serializer: %T is not a proto.Message", v)
	}
	return protoJSONMarshalOptions.Marshal(msg)
}

func (ProtoJSON) Deserialize(data []byte, t reflect.Type) (any, error) {
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("serializer: proto message type must be a pointer, got %v", t)
	}

	out := reflect.New(t.Elem()).Interface()
	msg, ok := out.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("serializer: %v is not a proto.Message", t)
	}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
