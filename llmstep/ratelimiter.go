package llmstep

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/recera/agentrun/result"
)

// RateLimiterOpts configures RateLimiter, adapted from the teacher's
// provider-wrapping token-bucket middleware down to the single call site
// that matters here: the provider invocation inside invoke_with_tools.
type RateLimiterOpts struct {
	RPS         float64
	Burst       int
	WaitTimeout time.Duration
	// OnLimited is called, if set, whenever a call must wait for a token.
	OnLimited func(waitTime time.Duration)
}

// DefaultRateLimiterOpts mirrors the teacher's defaults: 10rps/20burst,
// capped at a 30s wait before giving up.
func DefaultRateLimiterOpts() RateLimiterOpts {
	return RateLimiterOpts{RPS: 10, Burst: 20, WaitTimeout: 30 * time.Second}
}

// RateLimiter gates the LLM step's provider calls with a token bucket.
// Unlike the teacher's version, which wraps every core.Provider method,
// this wraps exactly the one call site invoke_with_tools has: one
// provider round trip per loop iteration.
type RateLimiter struct {
	opts    RateLimiterOpts
	limiter *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter. A non-positive RPS falls back
// to 10; a non-positive Burst falls back to twice the (resulting) RPS.
func NewRateLimiter(opts RateLimiterOpts) *RateLimiter {
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RPS * 2)
	}
	return &RateLimiter{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
	}
}

// Wait returns at once if a token is available. Otherwise it reserves one
// and blocks until the reservation is due or ctx is cancelled; if the
// reservation would take longer than WaitTimeout, it fails at once
// without waiting.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.limiter.Allow() {
		return nil
	}

	waitCtx := ctx
	if r.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.opts.WaitTimeout)
		defer cancel()
	}

	reservation := r.limiter.Reserve()
	waitTime := reservation.Delay()
	if r.opts.WaitTimeout > 0 && waitTime > r.opts.WaitTimeout {
		reservation.Cancel()
		return result.Error("llmstep", fmt.Sprintf("rate limit exceeded, would need to wait %v", waitTime), result.ErrorProvider, nil)
	}

	if r.opts.OnLimited != nil {
		r.opts.OnLimited(waitTime)
	}

	timer := time.NewTimer(waitTime)
	defer timer.Stop()

	select {
	case <-waitCtx.Done():
		reservation.Cancel()
		return waitCtx.Err()
	case <-timer.C:
		return nil
	}
}
