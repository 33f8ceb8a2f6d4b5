package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExternalServiceError wraps the root cause of an external dependency call
// that failed after all retry attempts.
type ExternalServiceError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when the breaker rejects a call without
// attempting it.
type CircuitOpenError struct {
	Service string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open; retry later", e.Service)
}

// TransientError marks an error as retryable regardless of its type.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the policy treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a simple thread-safe circuit breaker.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	openedAt     time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
	}
}

// BeforeCall validates whether a call is allowed in the current state.
// An open breaker flips to half-open after the recovery timeout so a
// single probe call can close it again.
func (b *Breaker) BeforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			b.state = BreakerHalfOpen
			return nil
		}
		return &CircuitOpenError{Service: b.name}
	}
	return nil
}

// RecordSuccess resets breaker state after a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = BreakerClosed
	b.openedAt = time.Time{}
}

// RecordFailure tracks a failed call and opens the breaker past the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State exposes the current breaker state for logging and tests.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Policy wraps a fallible operation with exponential backoff, a bounded
// attempt count, and a per-dependency circuit breaker. Only transient
// failure classes are retried; programming and validation errors propagate
// immediately.
type Policy struct {
	name        string
	maxAttempts int
	breaker     *Breaker

	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option customizes a Policy.
type Option func(*Policy)

// WithBackoffBounds overrides the retry wait bounds (used in tests).
func WithBackoffBounds(initial, max time.Duration) Option {
	return func(p *Policy) {
		p.initialInterval = initial
		p.maxInterval = max
	}
}

// WithBreaker overrides the breaker thresholds.
func WithBreaker(failureThreshold int, recoveryTimeout time.Duration) Option {
	return func(p *Policy) {
		p.breaker = NewBreaker(p.name, failureThreshold, recoveryTimeout)
	}
}

// NewPolicy creates a policy named after the dependency it guards.
func NewPolicy(name string, maxAttempts int, opts ...Option) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p := &Policy{
		name:            name,
		maxAttempts:     maxAttempts,
		breaker:         NewBreaker(name, 5, 60*time.Second),
		initialInterval: 250 * time.Millisecond,
		maxInterval:     8 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Breaker exposes the underlying breaker.
func (p *Policy) Breaker() *Breaker { return p.breaker }

// Execute runs op with retry and breaker behavior.
func (p *Policy) Execute(ctx context.Context, op func() error) error {
	if err := p.breaker.BeforeCall(); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialInterval
	bo.MaxInterval = p.maxInterval
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.maxAttempts-1)),
		ctx,
	)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if err != nil {
		p.breaker.RecordFailure()
		return &ExternalServiceError{Service: p.name, Attempts: attempts, Err: err}
	}

	p.breaker.RecordSuccess()
	return nil
}

// isRetryable classifies transient failures. Network and timeout errors
// retry; anything else is assumed to be a programming or validation error.
func isRetryable(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
