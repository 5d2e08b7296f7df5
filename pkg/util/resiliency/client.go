// Package resiliency wraps an http.Client with retries and a circuit
// breaker for calls to the ledger node. Nodes restart and re-sync; a short
// retry window with backoff absorbs that without hammering a node that is
// actually down.
package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// Client retries transient failures (transport errors and 5xx statuses)
// with exponential backoff plus jitter, behind a circuit breaker.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Timeout      time.Duration // per-attempt timeout, default 30s
	MaxRetries   int           // additional attempts after the first, default 3
	BaseDelay    time.Duration // first backoff step, default 100ms
	BreakerName  string
	BreakerTrips int           // consecutive failures before opening, default 5
	BreakerReset time.Duration // open -> half-open window, default 10s
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.BreakerName == "" {
		opts.BreakerName = "ledger-node"
	}
	if opts.BreakerTrips == 0 {
		opts.BreakerTrips = 5
	}
	if opts.BreakerReset == 0 {
		opts.BreakerReset = 10 * time.Second
	}
	return &Client{
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		breaker:    NewCircuitBreaker(opts.BreakerName, opts.BreakerTrips, opts.BreakerReset),
	}
}

// Do executes req, retrying retryable failures. The request must carry a
// context; retries stop as soon as it is done. Requests with a body need
// GetBody set (http.NewRequestWithContext does this for common readers).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", c.breaker.name)
	}

	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		attemptReq := req
		if attempt > 0 {
			attemptReq, err = rewind(req)
			if err != nil {
				break
			}
		}

		resp, err = c.client.Do(attemptReq)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}

		if attempt == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if waitErr := c.wait(req.Context(), attempt); waitErr != nil {
			c.breaker.Failure()
			return nil, waitErr
		}
	}

	c.breaker.Failure()
	return resp, err
}

// wait sleeps for the backoff of the given attempt, or returns early when
// ctx is done.
func (c *Client) wait(ctx context.Context, attempt int) error {
	backoff := c.baseDelay << attempt
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(c.baseDelay)/2+1)); err == nil {
		backoff += time.Duration(n.Int64())
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

// CircuitBreaker is a small closed/open/half-open state machine keyed on
// consecutive failures.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// State reports the breaker state for logging and tests.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
