package contracts

import (
	"strings"
	"time"
)

const (
	// QueryPrefix marks a routing key as a request that expects a reply
	QueryPrefix = "query."

	// DirectReplyQueue is the broker's anonymous reply address
	DirectReplyQueue = "amq.rabbitmq.reply-to"

	// DefaultContentType is used when neither the message nor the hub names one
	DefaultContentType = "application/json"

	// TimestampLayout renders header timestamps as ISO-8601 UTC with milliseconds
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Wire names of the envelope headers
const (
	HeaderTrace     = "trace"
	HeaderTimestamp = "ts"
	HeaderPublisher = "publisher"
)

// Headers carries the per-message metadata that travels in the broker's header table
type Headers struct {
	Trace     []string
	Timestamp string
	Publisher string
	Extra     map[string]any
}

// Envelope is the wire-level representation of a message
type Envelope struct {
	Exchange      string
	RoutingKey    string
	ContentType   string
	Headers       Headers
	CorrelationID string
	ReplyTo       string
	Persistent    bool
	Redelivered   bool
	Body          []byte
}

// IsQuery reports whether the routing key names a request/response exchange
func IsQuery(routingKey string) bool {
	return strings.HasPrefix(routingKey, QueryPrefix)
}

// IsQuery reports whether the envelope is a query
func (e *Envelope) IsQuery() bool {
	return IsQuery(e.RoutingKey)
}

// LastHop returns the newest hop id of the trace, or "" for an empty trace
func (e *Envelope) LastHop() string {
	if len(e.Headers.Trace) == 0 {
		return ""
	}
	return e.Headers.Trace[len(e.Headers.Trace)-1]
}

// Clone returns a deep copy so the original stays untouched once sent
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers.Trace = append([]string(nil), e.Headers.Trace...)
	if e.Headers.Extra != nil {
		c.Headers.Extra = make(map[string]any, len(e.Headers.Extra))
		for k, v := range e.Headers.Extra {
			c.Headers.Extra[k] = v
		}
	}
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// FormatTimestamp renders t the way the ts header expects
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a ts header value
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}
