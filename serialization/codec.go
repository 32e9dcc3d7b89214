package serialization

import (
	"encoding/json"
	"fmt"
)

// Well-known content types
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
	ContentTypeRaw  = "default"
)

// Codec turns a body value into bytes and back for one content type
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONCodec encodes values as JSON text. Decoded objects are map[string]any
// and numbers are float64.
type JSONCodec struct{}

// Encode implements Codec
func (JSONCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return append([]byte(nil), b...), nil
	}
	return json.Marshal(v)
}

// Decode implements Codec
func (JSONCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TextCodec carries plain text
type TextCodec struct{}

// Encode implements Codec
func (TextCodec) Encode(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return append([]byte(nil), s...), nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	case nil:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("text codec cannot encode %T", v)
	}
}

// Decode implements Codec
func (TextCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}

// RawCodec passes bytes through unchanged. It backs every content type
// that has no registered codec.
type RawCodec struct{}

// Encode implements Codec
func (RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("raw codec cannot encode %T", v)
	}
}

// Decode implements Codec
func (RawCodec) Decode(data []byte) (any, error) {
	return data, nil
}
