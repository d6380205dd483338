package rpc

import "encoding/json"

// jsonCodec is a grpc encoding.Codec that marshals messages as JSON
// instead of protobuf wire format. The spec treats the RPC transport as
// an opaque "addressable endpoints with request/response and fenced
// tokens" abstraction; nothing in this engine needs
// protobuf's schema evolution machinery, so every gateway exchanges
// plain Go structs (Envelope/Response) over grpc's connection
// management, framing, and deadline propagation.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }
