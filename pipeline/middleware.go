package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/obs"
	"github.com/recera/agentrun/result"
)

// Next is the signature every middleware delegates to: the remainder of
// the chain, terminating at the step's own Execute/ValidateResult/Finalize
// triad.
type Next func(ctx context.Context, pctx *Context, step Step, input any) result.StepResult

// Middleware wraps a Next with additional behavior. Composed
// outermost-first via Chain: [user...] -> Observability -> Timeout ->
// Retry.
type Middleware func(next Next) Next

// Chain composes middlewares into one, with the first argument as the
// outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Next) Next {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ObservabilityMiddleware emits step.started before delegating, starts a
// trace span tagged with step name and path, records duration and
// success/error on completion, and emits step.completed.
func ObservabilityMiddleware() Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, pctx *Context, step Step, input any) result.StepResult {
			if pctx.Events != nil {
				pctx.Events.Send(events.New(events.StepStarted, step.Name(), pctx.CorrelationID).
					WithPayload(map[string]any{"path": pctx.CurrentPath}))
			}

			ctx, span := obs.Tracer().Start(ctx, fmt.Sprintf("step.%s", step.Name()))
			span.SetAttributes(
				attribute.String("step.name", step.Name()),
				attribute.String("step.path", pctx.CurrentPath),
				attribute.String("correlation_id", pctx.CorrelationID),
			)
			start := time.Now()

			res := next(ctx, pctx, step, input)

			duration := time.Since(start)
			span.SetAttributes(attribute.Int64("step.duration_ms", duration.Milliseconds()))
			if res.HasError() {
				span.SetStatus(codes.Error, res.ErrMessage())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()

			if pctx.Events != nil {
				pctx.Events.Send(events.New(events.StepCompleted, step.Name(), pctx.CorrelationID).
					WithPayload(map[string]any{
						"path":        pctx.CurrentPath,
						"duration_ms": duration.Milliseconds(),
						"success":     !res.HasError(),
					}))
			}
			return res
		}
	}
}

// TimeoutMiddleware enforces the step's declared timeout, falling back to
// defaultTimeout when the step declares none. A step that does not return
// before the deadline yields an Error result tagged ErrorTimeout, with the
// context's deadline error as its cause. This middleware returns without
// waiting for the abandoned call; Finalize runs in the inner layers when
// that call returns.
func TimeoutMiddleware(defaultTimeout time.Duration) Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, pctx *Context, step Step, input any) result.StepResult {
			timeout := step.Timeout()
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			if timeout <= 0 {
				return next(ctx, pctx, step, input)
			}

			timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resCh := make(chan result.StepResult, 1)
			go func() {
				resCh <- next(timeoutCtx, pctx, step, input)
			}()

			select {
			case res := <-resCh:
				return res
			case <-timeoutCtx.Done():
				return result.Error(step.Name(), fmt.Sprintf("step exceeded timeout of %s", timeout), result.ErrorTimeout, timeoutCtx.Err())
			}
		}
	}
}

// RetryOpts configures RetryMiddleware.
type RetryOpts struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultRetryOpts mirrors the teacher's exponential-backoff defaults.
func DefaultRetryOpts() RetryOpts {
	return RetryOpts{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// RetryMiddleware is the innermost layer: it drives the step's own
// Execute/ValidateResult loop for up to step.MaxRetries()+1 attempts,
// passing the previous attempt's output back in as lastResult, waiting
// the step's RetryDelay between attempts (or, when it declares none, a
// delay backed off exponentially from opts.BaseDelay), and invoking
// ValidateResult after every successful Execute so a structural failure
// retries through the same loop as an execution error.
func RetryMiddleware(opts RetryOpts) Middleware {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2.0
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex

	delayFor := func(attempt int, base time.Duration) time.Duration {
		d := float64(base) * math.Pow(opts.Multiplier, float64(attempt))
		if d > float64(opts.MaxDelay) {
			d = float64(opts.MaxDelay)
		}
		if opts.Jitter {
			mu.Lock()
			jitter := 0.75 + rng.Float64()*0.5
			mu.Unlock()
			d *= jitter
		}
		return time.Duration(d)
	}

	return func(next Next) Next {
		return func(ctx context.Context, pctx *Context, step Step, input any) result.StepResult {
			maxAttempts := step.MaxRetries() + 1
			var lastResult any
			var lastErr error
			var lastKind result.ErrorKind = result.ErrorInternal

			for attempt := 1; attempt <= maxAttempts; attempt++ {
				select {
				case <-ctx.Done():
					res := result.Error(step.Name(), "context cancelled", result.ErrorCancelled, ctx.Err())
					step.Finalize(ctx, pctx, res)
					return res
				default:
				}

				out, err := func() (out any, err error) {
					defer func() {
						if r := recover(); r != nil {
							err = fmt.Errorf("step panicked: %v", r)
						}
					}()
					return step.Execute(ctx, pctx, attempt, input, lastResult)
				}()
				if err == nil {
					if verr := step.ValidateResult(ctx, pctx, out); verr != nil {
						if pctx.Events != nil {
							pctx.Events.Send(events.New(events.StepValidation, step.Name(), pctx.CorrelationID).
								Suppressed().
								WithPayload(map[string]any{"attempt": attempt, "error": verr.Error()}))
						}
						lastErr = verr
						lastResult = out
						lastKind = result.ErrorValidation
						if attempt < maxAttempts {
							delay := step.RetryDelay()
							if delay <= 0 {
								delay = delayFor(attempt, opts.BaseDelay)
							}
							if waitErr := waitWithContext(ctx, delay); waitErr != nil {
								res := result.Error(step.Name(), "context cancelled during retry wait", result.ErrorCancelled, waitErr)
								step.Finalize(ctx, pctx, res)
								return res
							}
							continue
						}
						res := result.Error(step.Name(), verr.Error(), result.ErrorValidation, verr)
						step.Finalize(ctx, pctx, res)
						return res
					}
					res := successResult(step.Name(), out)
					step.Finalize(ctx, pctx, res)
					return res
				}

				lastErr = err
				lastResult = out
				lastKind = result.ErrorInternal
				if attempt < maxAttempts {
					delay := step.RetryDelay()
					if delay <= 0 {
						delay = delayFor(attempt, opts.BaseDelay)
					}
					if waitErr := waitWithContext(ctx, delay); waitErr != nil {
						res := result.Error(step.Name(), "context cancelled during retry wait", result.ErrorCancelled, waitErr)
						step.Finalize(ctx, pctx, res)
						return res
					}
					continue
				}
			}

			res := result.Error(step.Name(), lastErr.Error(), lastKind, lastErr)
			step.Finalize(ctx, pctx, res)
			return res
		}
	}
}

// successResult builds a Success StepResult, unwrapping a RoutedValue into
// its forward routing hints.
func successResult(stepName string, out any) result.StepResult {
	if routed, ok := out.(RoutedValue); ok {
		return result.Success(stepName, routed.Value).WithNextSteps(routed.NextSteps...)
	}
	return result.Success(stepName, out)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
