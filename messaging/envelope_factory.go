package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmq-go/contracts"
	"github.com/glimte/mmq-go/serialization"
)

// OutboundOptions tunes a single outbound envelope
type OutboundOptions struct {
	Exchange    string
	Persistent  *bool          // nil means events persist and queries do not
	Headers     map[string]any // merged into the header table
	ContentType string         // used when the body is not a serialization.Payload
	ReplyTo     string         // queries only; defaults to the direct reply queue
}

// EnvelopeFactory builds outbound and reply envelopes for one module
type EnvelopeFactory struct {
	publisher          string
	codecs             *serialization.Registry
	defaultContentType string
	newID              func() string
	now                func() time.Time
}

// FactoryOption configures the EnvelopeFactory
type FactoryOption func(*EnvelopeFactory)

// WithDefaultContentType sets the content type for untagged bodies
func WithDefaultContentType(contentType string) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.defaultContentType = contentType
	}
}

// WithIDGenerator replaces the hop id generator
func WithIDGenerator(newID func() string) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.newID = newID
	}
}

// WithFactoryClock replaces the timestamp clock
func WithFactoryClock(now func() time.Time) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.now = now
	}
}

// NewEnvelopeFactory creates a factory stamping envelopes with publisher
func NewEnvelopeFactory(publisher string, codecs *serialization.Registry, options ...FactoryOption) *EnvelopeFactory {
	if codecs == nil {
		codecs = serialization.NewRegistry()
	}
	f := &EnvelopeFactory{
		publisher:          publisher,
		codecs:             codecs,
		defaultContentType: contracts.DefaultContentType,
		newID:              func() string { return uuid.New().String() },
		now:                time.Now,
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Outbound builds the envelope for a publish. A fresh hop id is appended to
// trace; for queries it doubles as the correlation id.
func (f *EnvelopeFactory) Outbound(routingKey string, body any, trace []string, opts OutboundOptions) (*contracts.Envelope, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = f.defaultContentType
	}
	contentType, data, err := f.codecs.EncodePayload(body, contentType)
	if err != nil {
		return nil, err
	}

	hop := f.newID()
	isQuery := contracts.IsQuery(routingKey)
	persistent := !isQuery
	if opts.Persistent != nil {
		persistent = *opts.Persistent
	}

	env := &contracts.Envelope{
		Exchange:    opts.Exchange,
		RoutingKey:  routingKey,
		ContentType: contentType,
		Headers:     f.headers(trace, hop, opts.Headers),
		Persistent:  persistent,
		Body:        data,
	}

	if isQuery {
		env.CorrelationID = hop
		env.ReplyTo = opts.ReplyTo
		if env.ReplyTo == "" {
			env.ReplyTo = contracts.DirectReplyQueue
		}
	}

	return env, nil
}

// Reply builds the answer to request carrying result. The reply keeps the
// request's correlation id and extends its trace by one hop.
func (f *EnvelopeFactory) Reply(request *contracts.Envelope, result any) (*contracts.Envelope, error) {
	contentType, data, err := f.codecs.EncodePayload(result, f.defaultContentType)
	if err != nil {
		return nil, err
	}

	return &contracts.Envelope{
		RoutingKey:    request.RoutingKey,
		ContentType:   contentType,
		Headers:       f.headers(request.Headers.Trace, f.newID(), nil),
		CorrelationID: request.CorrelationID,
		Persistent:    false,
		Body:          data,
	}, nil
}

// Publisher returns the module name stamped on envelopes
func (f *EnvelopeFactory) Publisher() string {
	return f.publisher
}

func (f *EnvelopeFactory) headers(trace []string, hop string, extra map[string]any) contracts.Headers {
	newTrace := make([]string, 0, len(trace)+1)
	newTrace = append(newTrace, trace...)
	newTrace = append(newTrace, hop)

	h := contracts.Headers{
		Trace:     newTrace,
		Timestamp: contracts.FormatTimestamp(f.now()),
		Publisher: f.publisher,
	}
	if len(extra) > 0 {
		h.Extra = make(map[string]any, len(extra))
		for k, v := range extra {
			h.Extra[k] = v
		}
	}
	return h
}
