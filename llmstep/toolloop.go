package llmstep

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/obs"
	"github.com/recera/agentrun/pipeline"
	"github.com/recera/agentrun/result"
	"github.com/recera/agentrun/tagparser"
)

// DefaultMaxToolIterations is the hard cap on invoke_with_tools recursion
// depth: exceeding it without the model settling on a final answer is a
// fault, not an infinite loop.
const DefaultMaxToolIterations = 5

// toolLoopState carries the data that must persist across recursive
// invoke_with_tools iterations, rather than being threaded as a dozen
// separate parameters.
type toolLoopState struct {
	provider      Provider
	tools         []Tool
	readOnlyTools map[string]bool
	rateLimiter   *RateLimiter
	maxIterations int
	pctx          *pipeline.Context
	stepName      string
	useStreaming  bool
	tagParser     *tagparser.Parser
}

// isReadOnly reports whether name is on the read-only allow-list, which
// grants a higher loop-detection threshold.
func (s *toolLoopState) isReadOnly(name string) bool {
	return s.readOnlyTools[name]
}

// invokeWithTools implements spec.md §4.9: recurse over provider calls,
// detecting and breaking out of a stuck tool-call loop, deduplicating
// repeated calls within one batch, and executing tools sequentially in
// the order the provider emitted them.
func invokeWithTools(ctx context.Context, state *toolLoopState, req Request, iteration int, prevSignature string, consecutiveIdentical int) (Response, error) {
	if iteration >= state.maxIterations {
		return Response{}, result.Error("llmstep", fmt.Sprintf("exceeded max_tool_iterations (%d)", state.maxIterations), result.ErrorLoopDetected, nil)
	}

	if state.rateLimiter != nil {
		if err := state.rateLimiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("llmstep: rate limiter: %w", err)
		}
	}

	resp, err := state.callProvider(ctx, req)
	if err != nil {
		return Response{}, err
	}

	if !resp.HasToolCalls() {
		return resp, nil
	}

	signature, err := callSetSignature(resp.ToolCalls)
	if err != nil {
		return Response{}, fmt.Errorf("llmstep: computing call-set signature: %w", err)
	}

	// consecutiveIdentical counts this signature's run length inclusive of
	// the current call, so a tool repeated identically K times in a row
	// reaches consecutiveIdentical==K: the loop law ("K > 3" read-only,
	// "K > 1" otherwise) compares directly against that count rather than
	// a number of repeats past the first sighting.
	if signature == prevSignature {
		consecutiveIdentical++
	} else {
		consecutiveIdentical = 1
	}
	if threshold := state.loopThreshold(resp.ToolCalls); consecutiveIdentical > threshold {
		return state.loopDetectedResponse(resp), nil
	}

	dedupOrder, dedupCalls := dedupeToolCalls(resp.ToolCalls)

	assistantCalls := make([]conversation.ToolCall, len(resp.ToolCalls))
	copy(assistantCalls, resp.ToolCalls)
	req.Conversation.History.AddAssistantMessageWithToolCalls(assistantCalls)

	results := state.executeToolsSequentially(ctx, dedupOrder, dedupCalls)

	for _, call := range resp.ToolCalls {
		sig, _ := callSignature(call.Name, call.Arguments)
		req.Conversation.History.AddToolMessage(call.ID, results[sig])
	}

	return invokeWithTools(ctx, state, req, iteration+1, signature, consecutiveIdentical)
}

// loopThreshold returns 3 if any call in this batch names a read-only
// allow-listed tool, else 1 — spec.md's differentiated threshold applied
// per the offending batch rather than per individual call, since a
// repeated batch is judged as a whole.
func (s *toolLoopState) loopThreshold(calls []conversation.ToolCall) int {
	for _, c := range calls {
		if s.isReadOnly(c.Name) {
			return 3
		}
	}
	return 1
}

func (s *toolLoopState) loopDetectedResponse(last Response) Response {
	content := last.Content
	if content == "" {
		content = "The same tool call was repeated without making progress; stopping."
	}
	return Response{Content: content, FinishReason: FinishStop}
}

// callProvider dispatches to a single non-streaming Invoke or to the
// streaming chunk-accumulation path per spec.md §4.11, depending on
// whether this Step was configured to use streaming. Either path emits
// its own llm.response event(s) before returning.
func (s *toolLoopState) callProvider(ctx context.Context, req Request) (Response, error) {
	if !s.useStreaming {
		resp, err := s.provider.Invoke(ctx, req)
		if err != nil {
			return Response{}, fmt.Errorf("llmstep: provider invoke: %w", err)
		}
		s.emitLLMResponse(resp)
		return resp, nil
	}
	return s.invokeStreamingOnce(ctx, req)
}

// invokeStreamingOnce consumes one full streamed response: text deltas
// are (optionally) fed through the tag parser and emitted as
// llm.response events as they arrive; tool-call fragments are
// accumulated per index and finalized once both id and name are known.
func (s *toolLoopState) invokeStreamingOnce(ctx context.Context, req Request) (Response, error) {
	chunks, err := s.provider.InvokeStreaming(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("llmstep: provider invoke_streaming: %w", err)
	}

	var content strings.Builder
	builders := make(map[int]*toolCallBuilder)
	order := []int{}
	finishReason := FinishStop
	var promptTokens, completionTokens, tokensUsed int

	for chunk := range chunks {
		if chunk.Delta != "" {
			delta := chunk.Delta
			if s.tagParser != nil && !chunk.IsThinking {
				processed, perr := s.tagParser.Feed(ctx, delta)
				if perr != nil {
					return Response{}, fmt.Errorf("llmstep: tag parser: %w", perr)
				}
				delta = processed
			}
			if !chunk.IsThinking {
				content.WriteString(delta)
			}
			s.emitStreamingDelta(delta, chunk.IsThinking)
		}

		for _, u := range chunk.ToolCallUpdates {
			b, ok := builders[u.Index]
			if !ok {
				b = &toolCallBuilder{}
				builders[u.Index] = b
				order = append(order, u.Index)
			}
			if u.ID != "" {
				b.id = u.ID
			}
			if u.Name != "" {
				b.name = u.Name
			}
			b.args.WriteString(u.ArgumentsChunk)
		}

		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.TokensUsed != 0 {
			tokensUsed = chunk.TokensUsed
		}
		if chunk.PromptTokens != 0 {
			promptTokens = chunk.PromptTokens
		}
		if chunk.CompletionTokens != 0 {
			completionTokens = chunk.CompletionTokens
		}
	}

	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("llmstep: streaming invocation canceled: %w", err)
	}

	s.emitLLMResponse(Response{Content: "", FinishReason: finishReason})

	var calls []conversation.ToolCall
	for _, idx := range order {
		b := builders[idx]
		if b.id == "" || b.name == "" {
			continue
		}
		calls = append(calls, conversation.ToolCall{ID: b.id, Name: b.name, Arguments: json.RawMessage(b.args.String())})
	}

	return Response{
		Content:          content.String(),
		ToolCalls:        calls,
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TokensUsed:       tokensUsed,
	}, nil
}

// toolCallBuilder accumulates one in-progress streamed tool call,
// addressed by its chunk index since an id may arrive only after the
// first argument fragment.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func (s *toolLoopState) emitStreamingDelta(delta string, isThinking bool) {
	if s.pctx == nil || s.pctx.Events == nil {
		return
	}
	e := events.New(events.LLMResponse, s.stepName, s.pctx.CorrelationID).
		WithFinishReason(string(FinishStreaming)).
		WithPayload(delta)
	e.IsThinking = isThinking
	s.pctx.Events.Send(e)
}

func (s *toolLoopState) emitLLMResponse(resp Response) {
	if s.pctx == nil || s.pctx.Events == nil {
		return
	}
	e := events.New(events.LLMResponse, s.stepName, s.pctx.CorrelationID).
		WithFinishReason(string(resp.FinishReason)).
		WithPayload(resp.Content)
	s.pctx.Events.Send(e)
}

// callSetSignature normalizes resp's tool calls into a stable signature:
// sorted call signatures joined, so the SET of calls this iteration made
// is compared regardless of the order the provider emitted them in.
func callSetSignature(calls []conversation.ToolCall) (string, error) {
	sigs := make([]string, 0, len(calls))
	for _, c := range calls {
		sig, err := callSignature(c.Name, c.Arguments)
		if err != nil {
			return "", err
		}
		sigs = append(sigs, sig)
	}
	sortStrings(sigs)
	joined := ""
	for i, s := range sigs {
		if i > 0 {
			joined += "\x1f"
		}
		joined += s
	}
	return joined, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// dedupeToolCalls returns the distinct call signatures in first-seen
// order and a signature-keyed map of the representative call for each,
// implementing spec.md §4.9 step 5.
func dedupeToolCalls(calls []conversation.ToolCall) ([]string, map[string]conversation.ToolCall) {
	order := make([]string, 0, len(calls))
	byName := make(map[string]conversation.ToolCall, len(calls))
	for _, c := range calls {
		sig, err := callSignature(c.Name, c.Arguments)
		if err != nil {
			sig = c.ID
		}
		if _, seen := byName[sig]; !seen {
			order = append(order, sig)
			byName[sig] = c
		}
	}
	return order, byName
}

// executeToolsSequentially runs each deduped call in order, per
// spec.md §5 ("tool executions within one iteration run sequentially"),
// and returns the signature-keyed result cache spec.md §4.9 step 7
// describes.
func (s *toolLoopState) executeToolsSequentially(ctx context.Context, order []string, calls map[string]conversation.ToolCall) map[string]string {
	results := make(map[string]string, len(order))
	for _, sig := range order {
		call := calls[sig]
		results[sig] = s.executeOne(ctx, call)
	}
	return results
}

func (s *toolLoopState) executeOne(ctx context.Context, call conversation.ToolCall) string {
	s.emitToolStarted(call.Name, call.ID)

	tool := findTool(s.tools, call.Name)
	if tool == nil {
		s.emitToolCompleted(call.Name, call.ID, false)
		return fmt.Sprintf("Error: Tool '%s' not found", call.Name)
	}

	toolCtx, span := obs.StartToolSpan(ctx, obs.ToolSpanOptions{
		ToolName:  call.Name,
		ToolID:    call.ID,
		StepName:  s.stepName,
		InputSize: len(call.Arguments),
	})

	out, err := s.runToolWithRecover(toolCtx, tool, call)
	if err != nil {
		obs.RecordToolResult(span, false, 0)
		obs.RecordError(span, err, "tool execution failed")
		span.End()
		s.emitToolCompleted(call.Name, call.ID, false)
		return fmt.Sprintf("Error executing tool: %s", err.Error())
	}

	obs.RecordToolResult(span, true, len(out))
	span.End()
	s.emitToolCompleted(call.Name, call.ID, true)
	return out
}

func (s *toolLoopState) runToolWithRecover(ctx context.Context, tool Tool, call conversation.ToolCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	meta := ToolMeta{CallID: call.ID, StepName: s.stepName, Attempt: 1}
	return tool.Execute(ctx, normalizeArgs(call.Arguments), meta)
}

func (s *toolLoopState) emitToolStarted(name, id string) {
	if s.pctx == nil || s.pctx.Events == nil {
		return
	}
	e := events.New(events.ToolStarted, s.stepName, s.pctx.CorrelationID).WithPayload(map[string]any{
		"tool":    name,
		"call_id": id,
	})
	s.pctx.Events.Send(e)
}

func (s *toolLoopState) emitToolCompleted(name, id string, success bool) {
	if s.pctx == nil || s.pctx.Events == nil {
		return
	}
	e := events.New(events.ToolCompleted, s.stepName, s.pctx.CorrelationID).WithPayload(map[string]any{
		"tool":    name,
		"call_id": id,
		"success": success,
	})
	s.pctx.Events.Send(e)
}

// normalizeArgs guards against a nil Arguments field, which json.Unmarshal
// rejects outright; tools should see "{}" rather than an unmarshal error
// for a no-argument call.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
