// Package clockpb defines the wire types and service contract for the
// RepCL collector's gRPC endpoint.
//
// Nothing in this module is protoc-generated. grpc-go selects its wire
// codec by content-subtype rather than requiring protobuf specifically
// (see google.golang.org/grpc/encoding), so jsonCodec registers a
// plain JSON codec under the subtype "repcl-json" and the hand-written
// ServiceDesc in service.go drives dispatch the same way generated code
// would. Callers select it per-call with grpc.CallContentSubtype("repcl-json");
// the server picks up the matching registered codec automatically during
// content-type negotiation, with no server-side option required.
package clockpb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype under which jsonCodec is
// registered with grpc-go's global encoding registry.
const codecName = "repcl-json"

// jsonCodec implements encoding.Codec over encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clockpb: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("clockpb: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
