package aggregator

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the gRPC transport carry plain Go structs instead of
// compiled protobuf messages. The aggregator's two protocol versions are
// maintained out-of-repo (sender-operated); registering a codec here keeps
// the client side of the contract self-describing without vendoring a
// third party's .proto files.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("aggregator: unmarshal response: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return codecName
}

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
