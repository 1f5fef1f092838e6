// Package transport carries the host service contract over gRPC, so the engine can run in a
// separate process from the validator it drives.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the host bridge.
const CodecName = "json"

func init() {
	// JSON 코덱 등록 - 생성된 proto 타입 없이 Go struct를 그대로 전송
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec serializes the bridge's plain Go request and response types as JSON.
type JSONCodec struct{}

// Name returns the name of the codec
func (JSONCodec) Name() string {
	return CodecName
}

// Marshal serializes the message to JSON
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal error: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes the message from JSON
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal error: %w", err)
	}
	return nil
}
