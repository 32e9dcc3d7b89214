package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmq-go/contracts"
)

// Reply is the answer to a query
type Reply struct {
	Body          any
	CorrelationID string
	ContentType   string
	Trace         []string
	Envelope      *contracts.Envelope
}

type queryResult struct {
	reply *Reply
	err   error
}

// PendingQuery is an in-flight query awaiting its reply
type PendingQuery struct {
	CorrelationID string
	RoutingKey    string
	CreatedAt     time.Time
	Timeout       time.Duration

	tracker *CorrelationTracker
	timer   *time.Timer
	done    chan queryResult
}

// Wait blocks until the query is settled or ctx is done. A cancelled
// context withdraws the query so a later reply is ignored.
func (p *PendingQuery) Wait(ctx context.Context) (*Reply, error) {
	select {
	case r := <-p.done:
		return r.reply, r.err
	case <-ctx.Done():
		if p.tracker.take(p.CorrelationID) != nil {
			return nil, ctx.Err()
		}
		// lost the race to a reply or expiry already in flight
		r := <-p.done
		return r.reply, r.err
	}
}

// CorrelationTracker maps correlation ids of in-flight queries to their
// pending completions. Every settle path removes the entry through take,
// so exactly one of reply, expiry, rejection or cancellation wins.
type CorrelationTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingQuery
	closed  bool
	logger  *slog.Logger
	now     func() time.Time
}

// TrackerOption configures the CorrelationTracker
type TrackerOption func(*CorrelationTracker)

// WithTrackerLogger sets the logger
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *CorrelationTracker) {
		t.logger = logger
	}
}

// WithTrackerClock overrides the clock used for CreatedAt
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *CorrelationTracker) {
		t.now = now
	}
}

// NewCorrelationTracker creates a new tracker
func NewCorrelationTracker(options ...TrackerOption) *CorrelationTracker {
	t := &CorrelationTracker{
		pending: make(map[string]*PendingQuery),
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Register starts tracking a query. The query fails with a
// QueryTimeoutError naming routingKey unless settled within timeout.
func (t *CorrelationTracker) Register(correlationID, routingKey string, timeout time.Duration) (*PendingQuery, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id cannot be empty")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("query timeout must be positive, got %v", timeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}
	if _, exists := t.pending[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}

	p := &PendingQuery{
		CorrelationID: correlationID,
		RoutingKey:    routingKey,
		CreatedAt:     t.now(),
		Timeout:       timeout,
		tracker:       t,
		done:          make(chan queryResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { t.expire(correlationID) })
	t.pending[correlationID] = p

	return p, nil
}

// Resolve settles the query with a reply. It returns false when no query
// with that id is pending, for example because it already timed out.
func (t *CorrelationTracker) Resolve(correlationID string, reply *Reply) bool {
	p := t.take(correlationID)
	if p == nil {
		return false
	}
	p.done <- queryResult{reply: reply}
	return true
}

// Reject fails the query with err
func (t *CorrelationTracker) Reject(correlationID string, err error) bool {
	p := t.take(correlationID)
	if p == nil {
		return false
	}
	p.done <- queryResult{err: err}
	return true
}

// Pending returns the number of unsettled queries
func (t *CorrelationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending query with err and refuses new registrations
func (t *CorrelationTracker) Close(err error) {
	if err == nil {
		err = ErrTrackerClosed
	}

	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*PendingQuery)
	t.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.done <- queryResult{err: err}
	}
}

// take atomically removes and returns the pending entry, or nil
func (t *CorrelationTracker) take(correlationID string) *PendingQuery {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

func (t *CorrelationTracker) expire(correlationID string) {
	p := t.take(correlationID)
	if p == nil {
		return
	}
	t.logger.Warn("query timed out",
		"routingKey", p.RoutingKey,
		"correlationId", correlationID,
		"timeout", p.Timeout)
	p.done <- queryResult{err: &QueryTimeoutError{
		RoutingKey:    p.RoutingKey,
		CorrelationID: correlationID,
		Timeout:       p.Timeout,
	}}
}
