package viewer

import (
	"github.com/bytedance/sonic"
)

// MessageCodec encodes and decodes message payloads that cross a process or
// bus boundary.
type MessageCodec interface {
	// Encode converts a Go value to bytes.
	Encode(value any) ([]byte, error)

	// Decode converts bytes to a Go value.
	Decode(data []byte) (any, error)
}

// JSONCodec implements MessageCodec with sonic's standard-compatible JSON.
type JSONCodec struct{}

var jsonConfig = sonic.ConfigStd

// Encode serializes the value to JSON bytes.
func (JSONCodec) Encode(value any) ([]byte, error) {
	return jsonConfig.Marshal(value)
}

// Decode deserializes JSON bytes to a Go value. Empty input decodes to nil.
func (JSONCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result any
	if err := jsonConfig.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DecodeInto deserializes JSON bytes into a specific type.
func (JSONCodec) DecodeInto(data []byte, v any) error {
	return jsonConfig.Unmarshal(data, v)
}

// DefaultCodec is the codec used by bridges and state copies.
var DefaultCodec MessageCodec = JSONCodec{}

// Copy returns a deep copy of a JSON-compatible value by round-tripping it
// through DefaultCodec.
func Copy(value any) (any, error) {
	data, err := DefaultCodec.Encode(value)
	if err != nil {
		return nil, err
	}
	return DefaultCodec.Decode(data)
}
