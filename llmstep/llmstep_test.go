package llmstep

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/llmstep/testprovider"
	"github.com/recera/agentrun/pipeline"
	"github.com/recera/agentrun/tagparser"
)

func newTestPipelineContext() *pipeline.Context {
	conv := conversation.New(0, nil)
	return pipeline.NewContext("corr-1", conv, events.NewChannel(16))
}

type echoTool struct {
	calls int
}

func (t *echoTool) Name() string           { return "echo" }
func (t *echoTool) Description() string    { return "echoes its input" }
func (t *echoTool) UsageGuidelines() string { return "Use echo to repeat text back." }
func (t *echoTool) InputSchemaJSON() []byte { return []byte(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, args json.RawMessage, meta ToolMeta) (string, error) {
	t.calls++
	return "echo:" + meta.CallID, nil
}

func TestStepReturnsStringValueWhenNoToolCalls(t *testing.T) {
	provider := testprovider.New(Response{Content: "hello there", FinishReason: FinishStop})
	step, err := NewStep[string]("greet", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "say hi" })
	require.NoError(t, err)

	pctx := newTestPipelineContext()
	out, err := step.Execute(context.Background(), pctx, 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hello there", out)
}

func TestStepLeavesOneCleanUserAndAssistantMessageOnSuccess(t *testing.T) {
	provider := testprovider.New(Response{Content: "42", FinishReason: FinishStop})
	step, err := NewStep[string]("answer", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "what is the answer" })
	require.NoError(t, err)

	pctx := newTestPipelineContext()
	_, err = step.Execute(context.Background(), pctx, 1, nil, nil)
	require.NoError(t, err)

	msgs := pctx.Conversation.History.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.User, msgs[0].Role)
	require.Equal(t, "what is the answer", msgs[0].Content)
	require.Equal(t, conversation.Assistant, msgs[1].Role)
	require.Equal(t, "42", msgs[1].Content)
}

func TestStepRetriesOnParseFailureThenSucceeds(t *testing.T) {
	type payload struct {
		Answer int `json:"answer"`
	}

	provider := testprovider.New(
		Response{Content: "not json at all", FinishReason: FinishStop},
		Response{Content: `{"answer": 7}`, FinishReason: FinishStop},
	)
	step, err := NewStep[payload]("structured", provider, Profile{Model: "test-model", JSONCapability: JSONSchema},
		func(input any, pctx *pipeline.Context) string { return "give me the answer" })
	require.NoError(t, err)

	pctx := newTestPipelineContext()
	out, err := step.Execute(context.Background(), pctx, 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, payload{Answer: 7}, out)
	require.Equal(t, 2, provider.Calls())
}

func TestStepExhaustsRetriesAndFinalizesWithErrorMarker(t *testing.T) {
	provider := testprovider.New(
		Response{Content: "nope", FinishReason: FinishStop},
		Response{Content: "still nope", FinishReason: FinishStop},
		Response{Content: "nope again", FinishReason: FinishStop},
	)
	type payload struct {
		X int `json:"x"`
	}
	step, err := NewStep[payload]("structured", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "go" })
	require.NoError(t, err)
	step.MaxCorrectionRetries = 3

	pctx := newTestPipelineContext()
	_, err = step.Execute(context.Background(), pctx, 1, nil, nil)
	require.Error(t, err)

	msgs := pctx.Conversation.History.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.Assistant, msgs[1].Role)
	require.Contains(t, msgs[1].Content, "[error:")
}

func TestStepExecutesToolCallThenReturnsFinalAnswer(t *testing.T) {
	tool := &echoTool{}
	provider := testprovider.New(
		Response{
			ToolCalls: []conversation.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
			},
		},
		Response{Content: "done", FinishReason: FinishStop},
	)
	step, err := NewStep[string]("withtool", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "use the tool" })
	require.NoError(t, err)
	step.Tools = []Tool{tool}

	pctx := newTestPipelineContext()
	out, err := step.Execute(context.Background(), pctx, 1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "done", out)
	require.Equal(t, 1, tool.calls)
}

func TestStepEmitsPairedToolStartedAndToolCompletedEvents(t *testing.T) {
	tool := &echoTool{}
	provider := testprovider.New(
		Response{
			ToolCalls: []conversation.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
			},
		},
		Response{Content: "done", FinishReason: FinishStop},
	)
	step, err := NewStep[string]("withtool", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "use the tool" })
	require.NoError(t, err)
	step.Tools = []Tool{tool}

	ch := events.NewChannel(16)
	sub := ch.Subscribe(nil)
	pctx := pipeline.NewContext("corr-1", conversation.New(0, nil), ch)

	_, err = step.Execute(context.Background(), pctx, 1, nil, nil)
	require.NoError(t, err)
	ch.Close()

	var types []events.Type
	for e := range sub.Events() {
		types = append(types, e.Type)
	}
	require.Contains(t, types, events.ToolStarted)
	require.Contains(t, types, events.ToolCompleted)

	startedIdx, completedIdx := -1, -1
	for i, typ := range types {
		if typ == events.ToolStarted {
			startedIdx = i
		}
		if typ == events.ToolCompleted {
			completedIdx = i
		}
	}
	require.True(t, startedIdx < completedIdx, "tool.started must precede tool.completed")
}

// noteTagHandler is a minimal tagparser.Handler used only to exercise the
// TagStarted/TagCompleted event wiring.
type noteTagHandler struct{}

func (h *noteTagHandler) TagName() string      { return "note" }
func (h *noteTagHandler) Instructions() string { return "" }
func (h *noteTagHandler) OnTagStart(ctx context.Context, attrs map[string]string) (any, error) {
	return nil, nil
}
func (h *noteTagHandler) OnContent(ctx context.Context, tagState any, fragment string) error {
	return nil
}
func (h *noteTagHandler) OnTagEnd(ctx context.Context, tagState any) (string, error) {
	return "[noted]", nil
}
func (h *noteTagHandler) OnCompleteTag(ctx context.Context, attrs map[string]string, fullContent string) (string, error) {
	return "[noted]", nil
}

func TestStepEmitsTagStartedAndTagCompletedEventsWhenStreaming(t *testing.T) {
	provider := testprovider.New()
	provider.StreamChunks = [][]Chunk{
		{{Delta: `before <note>hello</note> after`, FinishReason: FinishStop}},
	}
	step, err := NewStep[string]("tagged", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "go" })
	require.NoError(t, err)
	step.UseStreaming = true
	step.TagHandlers = []tagparser.Handler{&noteTagHandler{}}

	ch := events.NewChannel(16)
	sub := ch.Subscribe(nil)
	pctx := pipeline.NewContext("corr-1", conversation.New(0, nil), ch)

	_, err = step.Execute(context.Background(), pctx, 1, nil, nil)
	require.NoError(t, err)
	ch.Close()

	var types []events.Type
	for e := range sub.Events() {
		types = append(types, e.Type)
	}
	require.Contains(t, types, events.TagStarted)
	require.Contains(t, types, events.TagCompleted)
}

func TestInvokeWithToolsDeduplicatesRepeatedCallsInOneBatch(t *testing.T) {
	tool := &echoTool{}
	provider := testprovider.New(
		Response{
			ToolCalls: []conversation.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
				{ID: "call-2", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
			},
		},
		Response{Content: "done", FinishReason: FinishStop},
	)
	state := &toolLoopState{
		provider:      provider,
		tools:         []Tool{tool},
		readOnlyTools: map[string]bool{},
		maxIterations: DefaultMaxToolIterations,
	}
	conv := conversation.New(0, nil)
	req := Request{Conversation: conv}

	resp, err := invokeWithTools(context.Background(), state, req, 0, "", 0)
	require.NoError(t, err)
	require.Equal(t, "done", resp.Content)
	require.Equal(t, 1, tool.calls, "the tool must execute once despite two identical calls in the batch")

	msgs := conv.History.Messages()
	toolMsgCount := 0
	for _, m := range msgs {
		if m.Role == conversation.Tool {
			toolMsgCount++
		}
	}
	require.Equal(t, 2, toolMsgCount, "every original call id gets its own tool-result message")
}

func TestLoopDetectionShortCircuitsOnRepeatedMutatingCall(t *testing.T) {
	repeated := Response{
		ToolCalls: []conversation.ToolCall{
			{ID: "call-1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		},
		Content: "still working on it",
	}
	tool := &stubWriteTool{}
	provider := testprovider.New(repeated, repeated, repeated)
	state := &toolLoopState{
		provider:      provider,
		tools:         []Tool{tool},
		readOnlyTools: map[string]bool{},
		maxIterations: DefaultMaxToolIterations,
	}
	conv := conversation.New(0, nil)
	req := Request{Conversation: conv}

	resp, err := invokeWithTools(context.Background(), state, req, 0, "", 0)
	require.NoError(t, err)
	require.False(t, resp.HasToolCalls())
	require.Equal(t, FinishStop, resp.FinishReason)
	require.Equal(t, 2, provider.Calls(), "threshold-1 tool must stop on the second identical call, no third provider call")
	require.Equal(t, 1, tool.calls, "the loop is detected before the second iteration's tool executes")
}

func TestLoopDetectionAllowsHigherThresholdForReadOnlyTool(t *testing.T) {
	repeated := Response{
		ToolCalls: []conversation.ToolCall{
			{ID: "call-1", Name: "view_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		},
	}
	tool := &stubReadTool{}
	// Five identical iterations: with threshold 3 for read-only tools,
	// the loop should run past the single-iteration-then-stop behavior a
	// mutating tool would trigger.
	provider := testprovider.New(repeated, repeated, repeated, repeated, repeated)
	state := &toolLoopState{
		provider:      provider,
		tools:         []Tool{tool},
		readOnlyTools: map[string]bool{"view_file": true},
		maxIterations: DefaultMaxToolIterations,
	}
	conv := conversation.New(0, nil)
	req := Request{Conversation: conv}

	_, err := invokeWithTools(context.Background(), state, req, 0, "", 0)
	require.NoError(t, err)
	require.Equal(t, 4, provider.Calls(), "threshold-3 tool must stop on the fourth identical call")
	require.Equal(t, 3, tool.calls, "the loop is detected before the fourth iteration's tool executes")
}

type stubWriteTool struct{ calls int }

func (t *stubWriteTool) Name() string           { return "write_file" }
func (t *stubWriteTool) Description() string    { return "writes a file" }
func (t *stubWriteTool) UsageGuidelines() string { return "" }
func (t *stubWriteTool) InputSchemaJSON() []byte { return []byte(`{"type":"object"}`) }
func (t *stubWriteTool) Execute(ctx context.Context, args json.RawMessage, meta ToolMeta) (string, error) {
	t.calls++
	return "written", nil
}

type stubReadTool struct{ calls int }

func (t *stubReadTool) Name() string           { return "view_file" }
func (t *stubReadTool) Description() string    { return "reads a file" }
func (t *stubReadTool) UsageGuidelines() string { return "" }
func (t *stubReadTool) InputSchemaJSON() []byte { return []byte(`{"type":"object"}`) }
func (t *stubReadTool) Execute(ctx context.Context, args json.RawMessage, meta ToolMeta) (string, error) {
	t.calls++
	return "contents", nil
}

// cancelAfterFirstChunkProvider streams one chunk, then cancels the
// caller's own context before attempting to send a second, simulating a
// host that cancels mid-stream after having already seen output.
type cancelAfterFirstChunkProvider struct {
	cancel context.CancelFunc
}

func (p *cancelAfterFirstChunkProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	return Response{}, fmt.Errorf("unused")
}

func (p *cancelAfterFirstChunkProvider) InvokeStreaming(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		select {
		case ch <- Chunk{Delta: "partial answer"}:
		case <-ctx.Done():
			return
		}
		p.cancel()
		select {
		case ch <- Chunk{Delta: " more"}:
		case <-ctx.Done():
			return
		}
	}()
	return ch, nil
}

func (p *cancelAfterFirstChunkProvider) EstimateTokenCount(text string) int { return len(text) / 4 }

func TestStepHaltsOnContextCancellationDuringStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &cancelAfterFirstChunkProvider{cancel: cancel}

	step, err := NewStep[string]("streamed", provider, Profile{Model: "test-model"},
		func(input any, pctx *pipeline.Context) string { return "go" })
	require.NoError(t, err)
	step.UseStreaming = true
	step.MaxCorrectionRetries = 1

	pctx := newTestPipelineContext()
	_, err = step.Execute(ctx, pctx, 1, nil, nil)
	require.Error(t, err)

	msgs := pctx.Conversation.History.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.Assistant, msgs[1].Role)
	require.Contains(t, msgs[1].Content, "[error:")
}

func TestUnknownToolProducesErrorMessageNotPanic(t *testing.T) {
	provider := testprovider.New(
		Response{ToolCalls: []conversation.ToolCall{{ID: "call-1", Name: "nonexistent", Arguments: json.RawMessage(`{}`)}}},
		Response{Content: "done", FinishReason: FinishStop},
	)
	state := &toolLoopState{
		provider:      provider,
		readOnlyTools: map[string]bool{},
		maxIterations: DefaultMaxToolIterations,
	}
	conv := conversation.New(0, nil)
	req := Request{Conversation: conv}

	resp, err := invokeWithTools(context.Background(), state, req, 0, "", 0)
	require.NoError(t, err)
	require.Equal(t, "done", resp.Content)

	msgs := conv.History.Messages()
	require.Contains(t, msgs[1].Content, "not found")
}
