package pipeline

import (
	"context"
	"time"

	"github.com/recera/agentrun/result"
)

// Step is the contract every executable pipeline unit satisfies. The
// executor drives a step through the middleware chain, which in turn
// calls Execute (possibly more than once, across retry attempts) and
// ValidateResult, and always calls Finalize exactly once regardless of
// outcome.
type Step interface {
	// Name identifies the step within its pipeline, used for event
	// tagging, tracing, and result addressing.
	Name() string
	// MaxRetries is the number of additional attempts permitted beyond
	// the first.
	MaxRetries() int
	// Timeout is this step's declared timeout; zero means "use the
	// pipeline default".
	Timeout() time.Duration
	// RetryDelay is the wait between retry attempts.
	RetryDelay() time.Duration

	// Execute runs attempt number attempt (1-indexed) with the given
	// input. lastResult is the previous attempt's output, or nil on the
	// first attempt; it lets a step inspect why the prior attempt was
	// rejected.
	Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error)
	// ValidateResult rejects a structurally invalid output, triggering a
	// retry in the same loop as an Execute error. The default
	// implementation (see BaseStep) accepts everything.
	ValidateResult(ctx context.Context, pctx *Context, output any) error
	// Finalize runs once per invocation, success or error, for cleanup.
	Finalize(ctx context.Context, pctx *Context, res result.StepResult)
}

// BaseStep supplies the accept-all ValidateResult and no-op Finalize the
// spec describes as the default, plus the retry/timeout knobs. Concrete
// steps embed BaseStep and implement Execute (and, optionally, override
// ValidateResult/Finalize).
type BaseStep struct {
	StepName    string
	Retries     int
	StepTimeout time.Duration
	Delay       time.Duration
}

func (b *BaseStep) Name() string               { return b.StepName }
func (b *BaseStep) MaxRetries() int             { return b.Retries }
func (b *BaseStep) Timeout() time.Duration      { return b.StepTimeout }
func (b *BaseStep) RetryDelay() time.Duration   { return b.Delay }

// ValidateResult accepts every output. Embedding steps override this to
// reject structurally invalid results and trigger a retry.
func (b *BaseStep) ValidateResult(ctx context.Context, pctx *Context, output any) error {
	return nil
}

// Finalize is a no-op by default.
func (b *BaseStep) Finalize(ctx context.Context, pctx *Context, res result.StepResult) {}

// Func adapts a plain function to the Step interface for simple,
// non-retrying steps (routers, transforms) that need no retry/validate
// machinery of their own.
type Func struct {
	BaseStep
	Fn func(ctx context.Context, pctx *Context, input any) (any, error)
}

// NewFunc constructs a Func step with zero retries and no declared
// timeout (pipeline default applies).
func NewFunc(name string, fn func(ctx context.Context, pctx *Context, input any) (any, error)) *Func {
	return &Func{BaseStep: BaseStep{StepName: name}, Fn: fn}
}

func (f *Func) Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error) {
	return f.Fn(ctx, pctx, input)
}

// RoutedValue lets a step attach forward routing hints to its own
// successful output. RetryMiddleware recognizes it on the success path
// and translates it into StepResult.NextSteps, unwrapping Value as the
// result the executor passes forward.
type RoutedValue struct {
	Value     any
	NextSteps []string
}

// Router is a Step whose Fn decides both the step's output and, via the
// returned next-step names, where the executor resumes — the "switch that
// selects a sub-step based on a function of the input" pattern applied at
// the top-level step-list scope rather than nested inside a composite.
type Router struct {
	BaseStep
	Fn func(ctx context.Context, pctx *Context, input any) (value any, nextSteps []string, err error)
}

// NewRouter constructs a Router step.
func NewRouter(name string, fn func(ctx context.Context, pctx *Context, input any) (any, []string, error)) *Router {
	return &Router{BaseStep: BaseStep{StepName: name}, Fn: fn}
}

func (r *Router) Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error) {
	value, next, err := r.Fn(ctx, pctx, input)
	if err != nil {
		return nil, err
	}
	return RoutedValue{Value: value, NextSteps: next}, nil
}
