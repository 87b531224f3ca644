package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// Context owns a History, a conversation id, and an untyped string-keyed
// metadata map used to pass provider-level hints (cache names, feature
// toggles) between steps.
type Context struct {
	ID      string
	History *History

	mu       sync.RWMutex
	metadata map[string]any
}

// New constructs an empty conversation Context with a fresh id.
func New(maxTokens int, counter TokenCounter) *Context {
	return &Context{
		ID:       uuid.NewString(),
		History:  NewHistory(maxTokens, counter),
		metadata: make(map[string]any),
	}
}

// SetMetadata stores a value under key.
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

// MetadataSnapshot returns a shallow copy of the metadata map, suitable
// for preserving across a branch clone.
func (c *Context) MetadataSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the conversation: a new id is not assigned
// (branches share the parent conversation's id so traces reassemble), the
// History is deep-copied so branches cannot corrupt each other, and
// metadata is shallow-copied.
func (c *Context) Clone() *Context {
	clone := &Context{
		ID:      c.ID,
		History: c.History.Clone(),
	}
	clone.metadata = c.MetadataSnapshot()
	return clone
}
