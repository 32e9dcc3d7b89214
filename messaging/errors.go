package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Setup errors
	ErrInvalidPattern = errors.New("messaging: invalid routing pattern")
	ErrNilHandler     = errors.New("messaging: handler cannot be nil")
	ErrQueueActive    = errors.New("messaging: queue already active")

	// Query errors
	ErrQueryTimeout         = errors.New("messaging: query timed out")
	ErrDuplicateCorrelation = errors.New("messaging: correlation id already pending")
	ErrTrackerClosed        = errors.New("messaging: correlation tracker closed")

	// Publish errors
	ErrPublishNacked = errors.New("messaging: message rejected")

	// Consume errors
	ErrConsumerCancelled = errors.New("messaging: consumer cancelled")
)

// TransportError reports a connection or channel failure. Transport errors
// are surfaced to the caller and never retried inside the core.
type TransportError struct {
	Op        string    // Operation that failed
	Target    string    // Queue, exchange or address involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err unless it already is a TransportError
func NewTransportError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Target: target, Err: err, Timestamp: time.Now()}
}

// QueryTimeoutError is returned when no reply arrives within the query window
type QueryTimeoutError struct {
	RoutingKey    string
	CorrelationID string
	Timeout       time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("timeout on <%s>", e.RoutingKey)
}

// Is lets errors.Is match ErrQueryTimeout
func (e *QueryTimeoutError) Is(target error) bool {
	return target == ErrQueryTimeout
}

// PublishError represents a failed publish
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s/%s failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure raised by a bound handler
type HandlerError struct {
	Queue      string
	Pattern    string
	RoutingKey string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %s failed for %s: %v", e.Pattern, e.Queue, e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err stems from a negative publish confirmation
func IsRejected(err error) bool {
	return errors.Is(err, ErrPublishNacked)
}

// IsTimeout reports whether err is a query timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrQueryTimeout)
}
