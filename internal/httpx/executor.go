// Package httpx executes outbound HTTP calls with bounded retries, backoff and
// an optional circuit breaker.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy controls retry and backoff behaviour.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	Jitter     time.Duration

	// Linear grows the delay by Base per attempt instead of doubling it.
	Linear bool
	// FinalAttempt makes one last call once retries are exhausted and returns
	// its outcome as is.
	FinalAttempt bool
}

var (
	// WeatherPolicy is used for weather providers.
	WeatherPolicy = Policy{
		MaxRetries:   2,
		Base:         time.Second,
		Cap:          10 * time.Second,
		Jitter:       250 * time.Millisecond,
		FinalAttempt: true,
	}
	// PushPolicy is used for push gateways.
	PushPolicy = Policy{
		MaxRetries: 2,
		Base:       time.Second,
		Cap:        5 * time.Second,
		Linear:     true,
	}
	// StorePolicy is used for the REST key-value store.
	StorePolicy = Policy{
		MaxRetries: 1,
		Base:       200 * time.Millisecond,
		Cap:        time.Second,
	}
)

var (
	// ErrExhausted is returned when every attempt was rate limited or failed
	// at the transport level.
	ErrExhausted = errors.New("retries exhausted")
	// ErrCircuitOpen is returned when the breaker refuses the call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	errRateLimited   = errors.New("rate limited")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidPolicy = errors.New("invalid retry policy")

	errBodyNotReplayable = errors.New("request body cannot be replayed")
)

// Executor runs requests under a Policy.
type Executor struct {
	client  Doer
	policy  Policy
	circuit *gobreaker.CircuitBreaker
}

// New creates an Executor. circuit may be nil.
func New(client Doer, policy Policy, circuit *gobreaker.CircuitBreaker) *Executor {
	return &Executor{client: client, policy: policy, circuit: circuit}
}

// NewBreaker returns the breaker settings shared by every upstream client.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// Do executes the request built by buildRequest. Rate-limited responses and
// transport errors are retried; any other response is returned to the caller
// untouched, whatever its status code. The caller closes the body.
func (e *Executor) Do(ctx context.Context, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	if e.client == nil {
		return nil, errNoHTTPClient
	}
	if e.policy.MaxRetries < 0 || e.policy.Base <= 0 {
		return nil, errInvalidPolicy
	}

	var lastErr error
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, e.Backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := e.attempt(ctx, buildRequest)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return nil, err
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	if e.policy.FinalAttempt {
		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		return e.client.Do(req.WithContext(ctx))
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, e.policy.MaxRetries+1, lastErr)
}

// AsDoer exposes e as a Doer for libraries that take their own HTTP client.
// Retries replay the request body through GetBody.
func (e *Executor) AsDoer() Doer {
	return executorDoer{exec: e}
}

type executorDoer struct {
	exec *Executor
}

func (d executorDoer) Do(req *http.Request) (*http.Response, error) {
	first := true
	return d.exec.Do(req.Context(), func() (*http.Request, error) {
		if first {
			first = false
			return req, nil
		}
		r := req.Clone(req.Context())
		if req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return nil, errBodyNotReplayable
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		return r, nil
	})
}

// Backoff returns the delay before retry number attempt (starting at 0).
func (e *Executor) Backoff(attempt int) time.Duration {
	p := e.policy
	var delay time.Duration
	if p.Linear {
		delay = p.Base * time.Duration(attempt+1)
	} else {
		delay = p.Base << attempt
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

func (e *Executor) attempt(ctx context.Context, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	req, err := buildRequest()
	if err != nil {
		return nil, &buildError{err: err}
	}
	req = req.WithContext(ctx)

	call := func() (interface{}, error) {
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, errRateLimited
		}
		return resp, nil
	}

	if e.circuit == nil {
		result, err := call()
		if err != nil {
			return nil, err
		}
		return result.(*http.Response), nil
	}

	result, err := e.circuit.Execute(call)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return resp, nil
}

type buildError struct{ err error }

func (b *buildError) Error() string { return "build request: " + b.err.Error() }
func (b *buildError) Unwrap() error { return b.err }

func retryable(err error) bool {
	var be *buildError
	return !errors.As(err, &be)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
