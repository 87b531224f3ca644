// Package llmstep implements the LLM pipeline step: request construction,
// the bounded self-correction loop, the recursive tool-invocation loop
// with loop detection, response parsing, and streaming chunk
// accumulation. It is the hardest component in the engine because it
// isolates a model's cognitive failures (malformed output, repeated tool
// calls) from the deterministic outer pipeline.
package llmstep

import (
	"context"

	"github.com/recera/agentrun/conversation"
)

// FinishReason is the canonical set a Provider adapter must map its own
// provider-specific finish reasons onto.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishStreaming     FinishReason = "streaming"
	FinishOther         FinishReason = "other"
)

// ToolDefinition describes one tool available to the model for a single
// request: name, description, and its JSON Schema.
type ToolDefinition struct {
	Name        string
	Description string
	SchemaJSON  []byte
}

// ResponseFormat directs how the provider should be told to produce
// structured output, chosen by ConfigureJsonResponse from the step's
// Profile.
type ResponseFormat struct {
	// SchemaJSON is attached natively to the request when the profile
	// declares JsonSchema capability.
	SchemaJSON []byte
	// JSONMime requests a JSON MIME response (JsonObject capability);
	// the schema itself is injected into the system prompt instead.
	JSONMime bool
}

// Request is the provider-agnostic request the core builds each
// iteration of invoke_with_tools. The provider adapter is expected to
// call conversation.History.GetMessagesForRequest to obtain the message
// slice.
type Request struct {
	Conversation *conversation.Context
	// FromBookmark scopes GetMessagesForRequest to messages at or after
	// this bookmark; the zero value means no bookmark, and UseSlidingWindow
	// then chooses between the sliding window and a plain tail window.
	FromBookmark conversation.Bookmark
	UseSlidingWindow bool
	MaxContextTokens int

	SystemPrompt string
	Sampling     SamplingParams
	Tools        []ToolDefinition
	Format       *ResponseFormat
}

// SamplingParams are the sampling knobs a Provider forwards verbatim to
// the underlying model API.
type SamplingParams struct {
	Temperature      float32
	MaxTokens        int
	TopP             float32
	TopK             int
	FrequencyPenalty float32
	PresencePenalty  float32
}

// Response is a provider's answer to one Invoke call.
type Response struct {
	Content          string
	ToolCalls        []conversation.ToolCall
	PromptTokens     int
	CompletionTokens int
	TokensUsed       int
	CostUSD          float64
	FinishReason     FinishReason
	Model            string
}

// HasToolCalls reports whether the model requested any tool executions.
func (r Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ToolCallUpdate carries one streaming chunk's contribution to a single
// in-progress tool call, addressed by its position (index) in the
// response rather than by id, since ids may arrive after the first
// fragment.
type ToolCallUpdate struct {
	Index           int
	ID              string
	Name            string
	ArgumentsChunk  string
}

// Chunk is one unit of a streamed response.
type Chunk struct {
	Delta            string
	IsThinking       bool
	ToolCallUpdates  []ToolCallUpdate
	IsComplete       bool
	FinishReason     FinishReason
	TokensUsed       int
	PromptTokens     int
	CompletionTokens int
}

// Provider is the adapter boundary between the engine and a concrete
// model API. Implementations own their HTTP client, translate between
// provider-specific wire shapes and Request/Response/Chunk, map
// provider finish reasons onto the canonical FinishReason set, and apply
// their own transient-retry policy for HTTP-level failures.
type Provider interface {
	Invoke(ctx context.Context, req Request) (Response, error)
	InvokeStreaming(ctx context.Context, req Request) (<-chan Chunk, error)
	EstimateTokenCount(text string) int
}
