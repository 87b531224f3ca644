// Package pipeline implements the forward-only step scheduler: middleware
// composition, per-step timeouts and retries, typed result propagation,
// and the lifecycle events that make every step transition observable.
package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/result"
)

// Context is the per-execution record threaded through every step
// invocation: a correlation id stable for the lifetime of a top-level
// execution, a shared conversation reference, a concurrent metadata map,
// a map of named intermediate step results addressable by path, the
// current composite path, and the process-wide event channel.
type Context struct {
	CorrelationID string
	Conversation  *conversation.Context
	Events        *events.Channel
	CurrentPath   string

	// mu guards metadata and results. It is a pointer, not a value, so that
	// WithPath's shallow copies — which alias the same underlying maps —
	// share the same lock instead of each getting an independent,
	// unsynchronized zero-valued mutex over state they still both mutate.
	mu       *sync.RWMutex
	metadata map[string]any
	results  map[string]result.StepResult
}

// NewContext constructs a root Context. An empty correlationID is
// replaced with a freshly generated one.
func NewContext(correlationID string, conv *conversation.Context, ch *events.Channel) *Context {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Context{
		CorrelationID: correlationID,
		Conversation:  conv,
		Events:        ch,
		mu:            &sync.RWMutex{},
		metadata:      make(map[string]any),
		results:       make(map[string]result.StepResult),
	}
}

// SetMetadata stores a value under key, visible to every step sharing this
// Context.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata retrieves a value stored under key.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// MetadataSnapshot returns a shallow copy of the metadata map.
func (c *Context) MetadataSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// SetStepResult records the result produced at path. Only the executor
// writes here; steps read but never write another step's slot.
func (c *Context) SetStepResult(path string, r result.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[path] = r
}

// StepResult retrieves the result previously recorded at path.
func (c *Context) StepResult(path string) (result.StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[path]
	return r, ok
}

// WithPath returns a shallow copy of c whose CurrentPath is name appended
// to c's path, slash-joined. Used by composite steps to tag nested step
// paths without branching the conversation.
func (c *Context) WithPath(name string) *Context {
	child := *c
	if c.CurrentPath == "" {
		child.CurrentPath = name
	} else {
		child.CurrentPath = c.CurrentPath + "/" + name
	}
	return &child
}

// CloneForBranch returns a new Context that deep-copies the conversation
// (so concurrent branches cannot corrupt each other's history), shares the
// event channel and correlation id (so traces reassemble), starts with an
// empty branch-local step-result map, and preserves metadata by shallow
// copy.
func (c *Context) CloneForBranch() *Context {
	return &Context{
		CorrelationID: c.CorrelationID,
		Conversation:  c.Conversation.Clone(),
		Events:        c.Events,
		CurrentPath:   c.CurrentPath,
		mu:            &sync.RWMutex{},
		metadata:      c.MetadataSnapshot(),
		results:       make(map[string]result.StepResult),
	}
}
