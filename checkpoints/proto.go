package checkpoints

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The proto format stores the checkpoint as a google.protobuf.Struct. Float32
// data survives the float64 detour exactly since every float32 is an exact
// float64.

func marshalProto(v interface{}) ([]byte, error) {
	msg, err := toStruct(v)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal checkpoint proto")
	}
	return data, nil
}

func unmarshalProto(data []byte, v interface{}) error {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return errors.Wrap(err, "failed to unmarshal checkpoint proto")
	}
	return fromStruct(msg, v)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode checkpoint")
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "checkpoint does not encode to an object")
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build checkpoint struct")
	}
	return msg, nil
}

func fromStruct(msg *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return errors.Wrap(err, "failed to re-encode checkpoint struct")
	}
	return json.Unmarshal(raw, v)
}

// ProtoToJSON renders a proto checkpoint file as indented JSON for inspection
func ProtoToJSON(data []byte) ([]byte, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal checkpoint proto")
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render checkpoint proto")
	}
	return out, nil
}
