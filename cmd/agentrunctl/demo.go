package main

import (
	"context"
	"fmt"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/llmstep"
	"github.com/recera/agentrun/llmstep/testprovider"
	"github.com/recera/agentrun/pipeline"
	"github.com/recera/agentrun/tools"
)

// weatherInput is the argument shape for the demo weather tool.
type weatherInput struct {
	Location string `json:"location" jsonschema:"description=City name"`
}

func weatherTool() *tools.Tool[weatherInput] {
	return tools.New("get_weather", "looks up the current weather for a city",
		func(ctx context.Context, in weatherInput, meta llmstep.ToolMeta) (string, error) {
			return fmt.Sprintf("%s: 18C, partly cloudy", in.Location), nil
		}).WithUsageGuidelines("Call this when the user asks about current weather.")
}

// buildDemoPipeline wires a single LLM step, backed by a scripted
// testprovider.Provider rather than a real model API call, around the
// weather tool above. It exists so agentrunctl has something runnable
// out of the box; a real host swaps in its own llmstep.Provider adapter.
func buildDemoPipeline() (*pipeline.Pipeline, error) {
	provider := testprovider.New(
		llmstep.Response{
			ToolCalls: []conversation.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: []byte(`{"location":"Lisbon"}`)},
			},
			FinishReason: llmstep.FinishToolCalls,
		},
		llmstep.Response{
			Content:      "It's 18C and partly cloudy in Lisbon right now.",
			FinishReason: llmstep.FinishStop,
		},
	)

	profile := llmstep.Profile{Model: "demo-model", JSONCapability: llmstep.JSONNone}

	step, err := llmstep.NewStep[string]("answer", provider, profile, func(input any, pctx *pipeline.Context) string {
		if s, ok := input.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", input)
	})
	if err != nil {
		return nil, fmt.Errorf("building demo step: %w", err)
	}
	step.SystemPrompt = "You are a helpful assistant with access to a weather lookup tool."
	step.Tools = []llmstep.Tool{weatherTool()}

	return pipeline.New("demo", []pipeline.Step{step}), nil
}
