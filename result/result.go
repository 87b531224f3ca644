// Package result implements the tagged-variant step result that flows
// through the pipeline executor. Steps never let exceptions escape; a
// fault is caught at the step boundary and converted into an Error result
// tagged with the producing step's name.
package result

import "fmt"

// Kind discriminates a StepResult's variant.
type Kind int

const (
	// KindSuccess carries a typed value.
	KindSuccess Kind = iota
	// KindError carries a message, an optional cause, and the name of
	// the step that produced it.
	KindError
	// KindEmpty carries no value; used by steps with no meaningful
	// output (e.g. a cleanup step).
	KindEmpty
	// KindParallel carries one StepResult per named branch.
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindEmpty:
		return "empty"
	case KindParallel:
		return "parallel"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// StepResult is the polymorphic result every step invocation produces.
// Exactly one of the Kind-specific accessors is meaningful, selected by
// Kind. StepResult is a value type: it owns no reference to the producing
// step beyond its name, per the "cyclic object graphs" design note —
// steps are owned by the pipeline, results own only a name.
type StepResult struct {
	kind Kind

	value any

	errMessage string
	errCause   error
	errKind    ErrorKind

	step string

	branches map[string]StepResult

	// nextSteps lets a routing step push one or more step names onto the
	// executor's front-of-queue. Interpreted by the executor, not by
	// StepResult itself.
	nextSteps []string
}

// Success constructs a success result carrying value, produced by step.
func Success(step string, value any) StepResult {
	return StepResult{kind: KindSuccess, step: step, value: value}
}

// Error constructs an error result. cause may be nil.
func Error(step, message string, kind ErrorKind, cause error) StepResult {
	return StepResult{
		kind:       KindError,
		step:       step,
		errMessage: message,
		errKind:    kind,
		errCause:   cause,
	}
}

// Empty constructs a result carrying no value.
func Empty(step string) StepResult {
	return StepResult{kind: KindEmpty, step: step}
}

// Parallel constructs a result aggregating one StepResult per named
// branch.
func Parallel(step string, branches map[string]StepResult) StepResult {
	return StepResult{kind: KindParallel, step: step, branches: branches}
}

// Kind reports which variant this result holds.
func (r StepResult) Kind() Kind { return r.kind }

// Step returns the name of the step that produced this result.
func (r StepResult) Step() string { return r.step }

// HasError reports whether this result is an error variant.
func (r StepResult) HasError() bool { return r.kind == KindError }

// Value returns the success value, or nil for any other variant.
func (r StepResult) Value() any {
	if r.kind != KindSuccess {
		return nil
	}
	return r.value
}

// Error implements the error interface so a StepResult in error state can
// be used directly as a Go error (e.g. wrapped by fmt.Errorf at a step
// boundary).
func (r StepResult) Error() string {
	if r.kind != KindError {
		return ""
	}
	if r.errCause != nil {
		return fmt.Sprintf("%s: %s: %v", r.step, r.errMessage, r.errCause)
	}
	return fmt.Sprintf("%s: %s", r.step, r.errMessage)
}

// ErrMessage returns the human-readable diagnostic for an error result.
func (r StepResult) ErrMessage() string { return r.errMessage }

// Cause returns the underlying error wrapped by an error result, if any.
func (r StepResult) Cause() error { return r.errCause }

// ErrKind returns the classification of an error result.
func (r StepResult) ErrKind() ErrorKind { return r.errKind }

// Branches returns the per-branch results of a parallel result.
func (r StepResult) Branches() map[string]StepResult { return r.branches }

// NextSteps returns the forward routing hints attached to this result.
func (r StepResult) NextSteps() []string { return r.nextSteps }

// WithNextSteps returns a copy of r with the given forward routing hints
// attached. Used by routing/switch steps to redirect the executor.
func (r StepResult) WithNextSteps(steps ...string) StepResult {
	r.nextSteps = steps
	return r
}
