package runtimerpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is advertised as the gRPC content-subtype so both client and
// server negotiate the JSON codec registered below instead of the
// default protobuf codec.
const codecName = "json"

// jsonCodec implements encoding.Codec over plain JSON so the wire
// messages in messages.go can travel as ordinary Go structs with json
// tags, without a protobuf toolchain run.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("runtimerpc: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("runtimerpc: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
