package serialization

import (
	"fmt"
	"sort"
	"sync"
)

// Payload overrides the content type for a single message body
type Payload struct {
	ContentType string
	Body        any
}

// WithContentType tags body with an explicit content type
func WithContentType(contentType string, body any) Payload {
	return Payload{ContentType: contentType, Body: body}
}

// Registry maps content types to codecs
type Registry struct {
	codecs   map[string]Codec
	fallback Codec
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the JSON, text and raw codecs
func NewRegistry() *Registry {
	return &Registry{
		codecs: map[string]Codec{
			ContentTypeJSON: JSONCodec{},
			ContentTypeText: TextCodec{},
			ContentTypeRaw:  RawCodec{},
		},
		fallback: RawCodec{},
	}
}

// Register adds or replaces the codec for a content type
func (r *Registry) Register(contentType string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[contentType] = codec
}

// Lookup returns the codec for contentType and whether one was registered.
// Unregistered types resolve to the raw codec.
func (r *Registry) Lookup(contentType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.codecs[contentType]; ok {
		return c, true
	}
	return r.fallback, false
}

// ContentTypes lists the registered content types
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.codecs))
	for t := range r.codecs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Encode serializes v with the codec for contentType
func (r *Registry) Encode(contentType string, v any) ([]byte, error) {
	codec, _ := r.Lookup(contentType)
	data, err := codec.Encode(v)
	if err != nil {
		return nil, &EncodeError{ContentType: contentType, Err: err}
	}
	return data, nil
}

// Decode parses data with the codec for contentType
func (r *Registry) Decode(contentType string, data []byte) (any, error) {
	codec, _ := r.Lookup(contentType)
	v, err := codec.Decode(data)
	if err != nil {
		return nil, &DecodeError{ContentType: contentType, Err: err}
	}
	return v, nil
}

// EncodePayload serializes a body that may carry its own content type.
// Plain values use fallbackType.
func (r *Registry) EncodePayload(v any, fallbackType string) (string, []byte, error) {
	contentType := fallbackType
	body := v
	switch p := v.(type) {
	case Payload:
		contentType, body = p.ContentType, p.Body
	case *Payload:
		if p != nil {
			contentType, body = p.ContentType, p.Body
		}
	}
	if contentType == "" {
		contentType = ContentTypeJSON
	}

	data, err := r.Encode(contentType, body)
	if err != nil {
		return "", nil, err
	}
	return contentType, data, nil
}

// DecodeError reports a body that does not parse as its declared content type
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s body: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a value the chosen codec cannot serialize
type EncodeError struct {
	ContentType string
	Err         error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s body: %v", e.ContentType, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
