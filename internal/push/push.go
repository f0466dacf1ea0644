// Package push delivers formatted notifications to a user's messaging channel.
package push

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Result is the outcome of one delivery. Message carries the gateway's own
// text when it returned one.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Pusher sends one notification. channel is the gateway-specific destination
// (a ServerChan send key, a Telegram chat id). Failures are reported through
// Result, never as an error.
type Pusher interface {
	Name() string
	Send(ctx context.Context, channel, title, body string) Result
}

// RateLimitedPusher wraps a Pusher with a token-bucket limiter.
type RateLimitedPusher struct {
	pusher  Pusher
	limiter *rate.Limiter
}

// NewRateLimitedPusher allows rps sends per second with the given burst.
func NewRateLimitedPusher(p Pusher, rps float64, burst int) *RateLimitedPusher {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedPusher{
		pusher:  p,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedPusher) Name() string {
	return r.pusher.Name()
}

// Send waits for limiter permission or context cancellation, then forwards.
func (r *RateLimitedPusher) Send(ctx context.Context, channel, title, body string) Result {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("rate limit wait canceled: %v", err)}
	}
	return r.pusher.Send(ctx, channel, title, body)
}
