package obs

import "testing"

func TestTracerDefaultsToNoop(t *testing.T) {
	if IsEnabled() {
		t.Error("IsEnabled() = true with no global tracer provider configured")
	}
	if Tracer() == nil {
		t.Error("Tracer() returned nil")
	}
}

func TestUsageCollectorAggregatesPerStep(t *testing.T) {
	c := NewUsageCollector()
	c.Record("answer", Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	c.Record("answer", Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28})
	c.Record("summarize", Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4})

	snap := c.Snapshot()
	answer := snap["answer"]
	if answer.TotalInvocations != 2 {
		t.Errorf("TotalInvocations = %d, want 2", answer.TotalInvocations)
	}
	if answer.TotalPromptTokens != 30 {
		t.Errorf("TotalPromptTokens = %d, want 30", answer.TotalPromptTokens)
	}
	if answer.TotalCompletionTokens != 13 {
		t.Errorf("TotalCompletionTokens = %d, want 13", answer.TotalCompletionTokens)
	}

	summarize := snap["summarize"]
	if summarize.TotalInvocations != 1 {
		t.Errorf("summarize TotalInvocations = %d, want 1", summarize.TotalInvocations)
	}
}
