// Package tools provides typed tool definitions and execution for the
// LLM step's recursive tool loop. It supports automatic JSON Schema
// generation from a Go input type, tolerant argument matching against
// garbled model-provided JSON, and observability spans around dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/recera/agentrun/llmstep"
	"github.com/recera/agentrun/obs"
)

// Tool is a typed tool with a Go input type I. It generates its own
// JSON Schema from I via reflection and satisfies llmstep.Tool, so it
// can be handed directly to an llmstep.Step's Tools field.
type Tool[I any] struct {
	name            string
	description     string
	usageGuidelines string
	execute         func(context.Context, I, llmstep.ToolMeta) (string, error)

	mu       sync.RWMutex
	inSchema []byte

	timeout      int // seconds; 0 means no timeout
	retryable    bool
	cacheable    bool
	maxInputSize int // bytes; 0 means no limit
	aliases      map[string]string
}

// New constructs a typed tool. The execute function receives the
// unmarshaled, alias-normalized input and must itself return the exact
// string to feed back into the conversation as the tool-result message.
func New[I any](
	name string,
	description string,
	execute func(context.Context, I, llmstep.ToolMeta) (string, error),
) *Tool[I] {
	if name == "" {
		panic("tools.New: name cannot be empty")
	}
	if execute == nil {
		panic("tools.New: execute function cannot be nil")
	}
	return &Tool[I]{
		name:        name,
		description: description,
		execute:     execute,
		retryable:   true,
		cacheable:   false,
	}
}

// Name returns the tool's unique identifier.
func (t *Tool[I]) Name() string { return t.name }

// Description returns the tool's human-readable description.
func (t *Tool[I]) Description() string { return t.description }

// UsageGuidelines returns text appended to the system prompt describing
// how and when to call this tool; empty means none.
func (t *Tool[I]) UsageGuidelines() string { return t.usageGuidelines }

// InputSchemaJSON returns the JSON Schema for I, generated once and
// cached for the lifetime of the Tool.
func (t *Tool[I]) InputSchemaJSON() []byte {
	t.mu.RLock()
	if t.inSchema != nil {
		defer t.mu.RUnlock()
		return t.inSchema
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inSchema != nil {
		return t.inSchema
	}

	var i I
	schema, err := GenerateSchema(reflect.TypeOf(i))
	if err != nil {
		t.inSchema = []byte(`{"type":"object"}`)
	} else {
		t.inSchema = schema
	}
	return t.inSchema
}

// Execute implements llmstep.Tool: it normalizes argumentsJSON against
// any registered aliases, unmarshals into I, validates against the
// input schema, runs the tool's own execute function inside an
// observability span, and returns the resulting string or a synthesized
// error per spec.md §4.12.
func (t *Tool[I]) Execute(ctx context.Context, argumentsJSON json.RawMessage, meta llmstep.ToolMeta) (string, error) {
	normalized, err := t.normalizeArguments(argumentsJSON)
	if err != nil {
		return "", fmt.Errorf("tool %s: normalizing arguments: %w", t.name, err)
	}

	if t.maxInputSize > 0 && len(normalized) > t.maxInputSize {
		return "", fmt.Errorf("tool %s: input size %d exceeds maximum %d", t.name, len(normalized), t.maxInputSize)
	}

	if err := ValidateJSON(normalized, t.InputSchemaJSON()); err != nil {
		return "", fmt.Errorf("tool %s: input validation: %w", t.name, err)
	}

	var input I
	if err := json.Unmarshal(normalized, &input); err != nil {
		return "", fmt.Errorf("tool %s: unmarshaling input: %w", t.name, err)
	}

	toolCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, time.Duration(t.timeout)*time.Second)
		defer cancel()
	}

	toolCtx, span := obs.StartToolSpan(toolCtx, obs.ToolSpanOptions{
		ToolName:  t.name,
		ToolID:    meta.CallID,
		StepName:  meta.StepName,
		InputSize: len(normalized),
		Retryable: t.retryable,
		Cacheable: t.cacheable,
	})
	defer span.End()

	out, err := t.execute(toolCtx, input, meta)
	if err != nil {
		obs.RecordToolResult(span, false, 0)
		obs.RecordError(span, err, "tool execution failed")
		return "", fmt.Errorf("tool %s: %w", t.name, err)
	}

	obs.RecordToolResult(span, true, len(out))
	return out, nil
}

// WithTimeout sets the tool's per-call execution timeout in seconds.
func (t *Tool[I]) WithTimeout(seconds int) *Tool[I] {
	t.timeout = seconds
	return t
}

// WithUsageGuidelines sets the prose appended to the system prompt.
func (t *Tool[I]) WithUsageGuidelines(guidelines string) *Tool[I] {
	t.usageGuidelines = guidelines
	return t
}

// WithRetryable marks whether this tool is safe to retry on a transient
// failure; surfaced to observability only, the tool loop itself never
// retries a tool call on its own.
func (t *Tool[I]) WithRetryable(retryable bool) *Tool[I] {
	t.retryable = retryable
	return t
}

// WithCacheable marks whether this tool's results may be cached by a
// host; surfaced to observability only.
func (t *Tool[I]) WithCacheable(cacheable bool) *Tool[I] {
	t.cacheable = cacheable
	return t
}

// WithMaxInputSize bounds the raw argument JSON this tool accepts.
func (t *Tool[I]) WithMaxInputSize(bytes int) *Tool[I] {
	t.maxInputSize = bytes
	return t
}

// WithArgumentAliases registers alternate key names the model may use
// in place of a canonical input field (e.g. "path" for "directory_path"),
// applied before unmarshaling per spec.md §4.12's "path aliases" example.
func (t *Tool[I]) WithArgumentAliases(aliases map[string]string) *Tool[I] {
	t.aliases = aliases
	return t
}

// Registry holds a fixed set of tools, immutable once built: per
// spec.md's resource model, "tool registry is immutable after host
// construction."
type Registry struct {
	tools map[string]llmstep.Tool
	order []string
}

// NewRegistry constructs a Registry from a fixed list of tools. Two
// tools sharing a name is a construction-time error, surfaced as a
// panic since it indicates a programming mistake in host wiring, not a
// runtime condition to recover from.
func NewRegistry(tools ...llmstep.Tool) *Registry {
	r := &Registry{tools: make(map[string]llmstep.Tool, len(tools))}
	for _, tool := range tools {
		name := tool.Name()
		if _, exists := r.tools[name]; exists {
			panic(fmt.Sprintf("tools.NewRegistry: duplicate tool name %q", name))
		}
		r.tools[name] = tool
		r.order = append(r.order, name)
	}
	return r
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (llmstep.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool in construction order.
func (r *Registry) All() []llmstep.Tool {
	out := make([]llmstep.Tool, len(r.order))
	for i, name := range r.order {
		out[i] = r.tools[name]
	}
	return out
}

// Names returns every registered tool name in construction order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
