package engine

import (
	"encoding/json"
	"fmt"
)

// jsonCodec lets the media engine's gRPC service be called with plain Go
// structs instead of generated protobuf messages. The wire format the
// engine speaks is gRPC framing (length-prefixed messages over HTTP/2) with
// JSON bodies rather than protobuf bodies; protoc was never run to produce
// stubs for this pack, so this codec is what keeps a real
// google.golang.org/grpc transport in play without fabricating generated
// code. Selected per-call via grpc.ForceCodec.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("engine: unmarshal %T: %w", v, err)
	}
	return nil
}
