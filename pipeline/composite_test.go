package pipeline

import (
	"context"
	"testing"

	"github.com/recera/agentrun/result"
)

func TestSequentialChainsStepOutputs(t *testing.T) {
	pctx := newTestContext()
	seq := NewSequential("seq", []Step{incStep("a"), incStep("b")})

	out, err := seq.Execute(context.Background(), pctx, 1, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(int) != 2 {
		t.Errorf("out = %v, want 2", out)
	}
}

func TestSequentialStopsOnFirstFailure(t *testing.T) {
	pctx := newTestContext()
	failing := NewDelegate("fail", func(ctx context.Context, pctx *Context, input any) (any, error) {
		return nil, errBoom
	})
	seq := NewSequential("seq", []Step{incStep("a"), failing, incStep("never")})

	_, err := seq.Execute(context.Background(), pctx, 1, 0, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestParallelRunsBranchesConcurrentlyWithClonedContext(t *testing.T) {
	pctx := newTestContext()
	pctx.Conversation.History.AddUserMessage("shared")

	branchA := NewDelegate("a", func(ctx context.Context, pctx *Context, input any) (any, error) {
		pctx.Conversation.History.AddUserMessage("a-only")
		return "a-done", nil
	})
	branchB := NewDelegate("b", func(ctx context.Context, pctx *Context, input any) (any, error) {
		pctx.Conversation.History.AddUserMessage("b-only")
		return "b-done", nil
	})

	par := NewParallel("par", map[string]Step{"a": branchA, "b": branchB})
	out, err := par.Execute(context.Background(), pctx, 1, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	branches := out.(map[string]result.StepResult)
	if len(branches) != 2 {
		t.Fatalf("len(branches) = %d, want 2", len(branches))
	}
	if branches["a"].Value() != "a-done" {
		t.Errorf("branch a = %v", branches["a"].Value())
	}

	// The parent conversation must not have been mutated by either branch.
	if pctx.Conversation.History.Len() != 1 {
		t.Errorf("parent History.Len() = %d, want 1 (branches must not leak writes)", pctx.Conversation.History.Len())
	}
}

func TestSwitchSelectsMatchingCase(t *testing.T) {
	pctx := newTestContext()
	sw := NewSwitch("sw",
		func(input any) string { return input.(string) },
		map[string]Step{
			"yes": NewDelegate("yes-case", func(ctx context.Context, pctx *Context, input any) (any, error) { return "matched-yes", nil }),
			"no":  NewDelegate("no-case", func(ctx context.Context, pctx *Context, input any) (any, error) { return "matched-no", nil }),
		},
		nil,
	)

	out, err := sw.Execute(context.Background(), pctx, 1, "yes", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(string) != "matched-yes" {
		t.Errorf("out = %v, want matched-yes", out)
	}
}

func TestSwitchFallsBackToDefault(t *testing.T) {
	pctx := newTestContext()
	def := NewDelegate("default-case", func(ctx context.Context, pctx *Context, input any) (any, error) { return "default-hit", nil })
	sw := NewSwitch("sw", func(input any) string { return "unmatched-key" }, map[string]Step{}, def)

	out, err := sw.Execute(context.Background(), pctx, 1, "x", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(string) != "default-hit" {
		t.Errorf("out = %v, want default-hit", out)
	}
}
