package artifact

import (
	"encoding/json"
	"fmt"
)

// Codec names for ValueSpec declarations.
const (
	CodecJSON  = "json"
	CodecBytes = "bytes"
	CodecText  = "text"
)

// Codec converts step values to bytes and back. Outputs name their
// codec in the step declaration; the empty name means JSON.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecBytes:
		return bytesCodec{}, nil
	case CodecText:
		return textCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}

// Decode unmarshals into the generic JSON shape: objects become
// map[string]any, arrays []any, numbers float64.
func (jsonCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

type bytesCodec struct{}

func (bytesCodec) Name() string { return CodecBytes }

func (bytesCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes codec wants []byte, got %T", v)
	}
	return b, nil
}

func (bytesCodec) Decode(data []byte) (any, error) {
	return append([]byte(nil), data...), nil
}

type textCodec struct{}

func (textCodec) Name() string { return CodecText }

func (textCodec) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("text codec wants string, got %T", v)
	}
	return []byte(s), nil
}

func (textCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}
