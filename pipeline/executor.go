package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/logging"
	"github.com/recera/agentrun/result"
)

// Pipeline orders a fixed list of steps, composes the middleware chain
// around each invocation, and enforces per-step timeouts. It applies no
// pipeline-wide timeout of its own: a deadline for a whole run comes only
// from the ctx passed to Execute.
type Pipeline struct {
	Name  string
	Steps []Step

	// UserMiddlewares run outermost, before Observability/Timeout/Retry.
	UserMiddlewares []Middleware
	// DefaultStepTimeout applies to any step that declares none.
	DefaultStepTimeout time.Duration
	// RetryOpts configures the innermost retry middleware's backoff.
	RetryOpts RetryOpts
	// Logger receives step lifecycle lines; defaults to logging.Global().
	Logger zerolog.Logger
}

// New constructs a Pipeline with sensible defaults.
func New(name string, steps []Step) *Pipeline {
	return &Pipeline{
		Name:               name,
		Steps:              steps,
		DefaultStepTimeout: 30 * time.Second,
		RetryOpts:          DefaultRetryOpts(),
		Logger:             logging.Global(),
	}
}

func (p *Pipeline) chain() Next {
	mws := append([]Middleware{}, p.UserMiddlewares...)
	mws = append(mws, ObservabilityMiddleware(), TimeoutMiddleware(p.DefaultStepTimeout), RetryMiddleware(p.RetryOpts))
	return Chain(mws...)(nil)
}

// Execute runs the pipeline's step list in order against input, starting
// from pctx. It stops at the first Error result (forward-only) and
// follows next_steps routing hints by substituting them for the remainder
// of the step list. pipeline.started and pipeline.completed are emitted
// exactly once each.
func (p *Pipeline) Execute(ctx context.Context, pctx *Context, input any) result.StepResult {
	log := logging.WithCorrelationID(p.Logger, pctx.CorrelationID)
	log.Info().Str("pipeline", p.Name).Int("steps", len(p.Steps)).Msg("pipeline starting")

	if pctx.Events != nil {
		pctx.Events.Send(events.New(events.PipelineStarted, p.Name, pctx.CorrelationID))
	}

	invoke := p.chain()
	remaining := append([]Step{}, p.Steps...)
	current := input
	var last result.StepResult
	byName := make(map[string]Step, len(p.Steps))
	for _, s := range p.Steps {
		byName[s.Name()] = s
	}

	for len(remaining) > 0 {
		step := remaining[0]
		remaining = remaining[1:]

		stepCtx := pctx.WithPath(step.Name())
		log.Debug().Str("step", stepCtx.CurrentPath).Msg("invoking step")
		res := invoke(ctx, stepCtx, step, current)
		pctx.SetStepResult(stepCtx.CurrentPath, res)
		last = res

		if res.HasError() {
			log.Warn().Str("step", stepCtx.CurrentPath).Str("error", res.ErrMessage()).Msg("step failed")
			if pctx.Events != nil {
				pctx.Events.Send(events.New(events.PipelineCompleted, p.Name, pctx.CorrelationID).
					WithPayload(map[string]any{"success": false, "error": res.ErrMessage()}))
			}
			return res
		}

		if next := res.NextSteps(); len(next) > 0 {
			routed := make([]Step, 0, len(next))
			for _, name := range next {
				s, ok := byName[name]
				if !ok {
					errRes := result.Error(p.Name, "unresolvable routing target: "+name, result.ErrorRouting, nil)
					if pctx.Events != nil {
						pctx.Events.Send(events.New(events.PipelineCompleted, p.Name, pctx.CorrelationID).
							WithPayload(map[string]any{"success": false, "error": errRes.ErrMessage()}))
					}
					return errRes
				}
				routed = append(routed, s)
			}
			if pctx.Events != nil {
				pctx.Events.Send(events.New(events.StepRouting, step.Name(), pctx.CorrelationID).
					WithPayload(map[string]any{"next_steps": next}))
			}
			remaining = routed
		}

		current = res.Value()
	}

	log.Info().Str("pipeline", p.Name).Msg("pipeline completed")
	if pctx.Events != nil {
		pctx.Events.Send(events.New(events.PipelineCompleted, p.Name, pctx.CorrelationID).
			WithPayload(map[string]any{"success": true}))
	}
	return last
}
