package pipeline

import (
	"context"
	"sync"

	"github.com/recera/agentrun/result"
)

// Sequential runs a fixed list of sub-steps in order, feeding each step's
// output as the next step's input, stopping at the first error. It is
// itself a Step and so can be nested inside another composite or a
// top-level Pipeline.
type Sequential struct {
	BaseStep
	Steps []Step
}

// NewSequential constructs a Sequential group.
func NewSequential(name string, steps []Step) *Sequential {
	return &Sequential{BaseStep: BaseStep{StepName: name}, Steps: steps}
}

func (s *Sequential) Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error) {
	current := input
	child := pctx.WithPath(s.StepName)
	for _, step := range s.Steps {
		res := invokeLeaf(ctx, child.WithPath(step.Name()), step, current)
		if res.HasError() {
			return nil, res
		}
		current = res.Value()
	}
	return current, nil
}

// Parallel runs each named branch step concurrently against a shared
// input, each against its own cloned (branched) Context so conversations
// cannot corrupt each other, and aggregates the branch results.
type Parallel struct {
	BaseStep
	Branches map[string]Step
}

// NewParallel constructs a Parallel group.
func NewParallel(name string, branches map[string]Step) *Parallel {
	return &Parallel{BaseStep: BaseStep{StepName: name}, Branches: branches}
}

func (p *Parallel) Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error) {
	child := pctx.WithPath(p.StepName)

	type outcome struct {
		name string
		res  result.StepResult
	}
	outcomes := make(chan outcome, len(p.Branches))

	var wg sync.WaitGroup
	for name, step := range p.Branches {
		wg.Add(1)
		go func(name string, step Step) {
			defer wg.Done()
			branchCtx := child.CloneForBranch()
			branchCtx.CurrentPath = child.CurrentPath + "/" + name
			outcomes <- outcome{name: name, res: invokeLeaf(ctx, branchCtx, step, input)}
		}(name, step)
	}
	wg.Wait()
	close(outcomes)

	branches := make(map[string]result.StepResult, len(p.Branches))
	for o := range outcomes {
		branches[o.name] = o.res
	}
	return branches, nil
}

// ValidateResult for Parallel treats a parallel result as valid unless
// every branch failed.
func (p *Parallel) ValidateResult(ctx context.Context, pctx *Context, output any) error {
	branches, ok := output.(map[string]result.StepResult)
	if !ok || len(branches) == 0 {
		return nil
	}
	for _, r := range branches {
		if !r.HasError() {
			return nil
		}
	}
	return errAllBranchesFailed
}

var errAllBranchesFailed = branchesFailedError{}

type branchesFailedError struct{}

func (branchesFailedError) Error() string { return "all parallel branches failed" }

// Switch selects a sub-step based on a function of the input and delegates
// to it.
type Switch struct {
	BaseStep
	Select func(input any) string
	Cases  map[string]Step
	// Default is used when Select's result has no matching case.
	Default Step
}

// NewSwitch constructs a Switch step.
func NewSwitch(name string, selectFn func(input any) string, cases map[string]Step, def Step) *Switch {
	return &Switch{BaseStep: BaseStep{StepName: name}, Select: selectFn, Cases: cases, Default: def}
}

func (s *Switch) Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error) {
	key := s.Select(input)
	step, ok := s.Cases[key]
	if !ok {
		step = s.Default
	}
	if step == nil {
		return nil, unmatchedSwitchError{key: key}
	}
	child := pctx.WithPath(s.StepName)
	res := invokeLeaf(ctx, child.WithPath(step.Name()), step, input)
	if res.HasError() {
		return nil, res
	}
	return res.Value(), nil
}

type unmatchedSwitchError struct{ key string }

func (e unmatchedSwitchError) Error() string {
	return "switch: no case or default matched key " + e.key
}

// Delegate wraps an inline function as a Step, for one-off steps built
// without declaring a named type.
type Delegate struct {
	BaseStep
	Fn func(ctx context.Context, pctx *Context, input any) (any, error)
}

// NewDelegate constructs a Delegate step.
func NewDelegate(name string, fn func(ctx context.Context, pctx *Context, input any) (any, error)) *Delegate {
	return &Delegate{BaseStep: BaseStep{StepName: name}, Fn: fn}
}

func (d *Delegate) Execute(ctx context.Context, pctx *Context, attempt int, input any, lastResult any) (any, error) {
	return d.Fn(ctx, pctx, input)
}

// invokeLeaf runs a single sub-step through the observability, timeout and
// retry middlewares (the retry layer is what calls Execute, ValidateResult
// and Finalize), with default retry options and no default timeout, so a
// nested step is timed only when it declares its own timeout.
func invokeLeaf(ctx context.Context, pctx *Context, step Step, input any) result.StepResult {
	chain := Chain(ObservabilityMiddleware(), TimeoutMiddleware(0), RetryMiddleware(DefaultRetryOpts()))(nil)
	return chain(ctx, pctx, step, input)
}
