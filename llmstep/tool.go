package llmstep

import (
	"context"
	"encoding/json"
	"sort"
)

// ToolMeta carries per-invocation context a Tool may use for logging,
// idempotency, or budget accounting. It deliberately does not carry the
// full conversation: a tool should be a pure function of its declared
// arguments plus this bookkeeping envelope.
type ToolMeta struct {
	CallID   string
	StepName string
	Attempt  int
}

// Tool is the boundary the recursive tool loop dispatches against. A
// concrete tool registry (package tools) implements this interface
// directly rather than llmstep importing that package, so the tool
// machinery has no dependency on the LLM step machinery.
type Tool interface {
	Name() string
	Description() string
	UsageGuidelines() string
	InputSchemaJSON() []byte
	Execute(ctx context.Context, argumentsJSON json.RawMessage, meta ToolMeta) (string, error)
}

// DefaultReadOnlyTools is the read-only allow-list spec.md names
// explicitly: tools whose repeated invocation with the same arguments is
// assumed side-effect-free, and which therefore tolerate a higher
// loop-detection threshold than a mutating tool would.
var DefaultReadOnlyTools = []string{
	"view_file",
	"grep_search",
	"list_dir",
	"find_by_name",
	"view_file_outline",
	"view_code_item",
}

func toolDefinitions(tools []Tool) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			SchemaJSON:  t.InputSchemaJSON(),
		})
	}
	return defs
}

func findTool(tools []Tool, name string) Tool {
	for _, t := range tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// canonicalArguments re-marshals raw JSON arguments with map keys sorted
// recursively, so two semantically identical calls that merely differ in
// key order produce the same signature.
func canonicalArguments(raw json.RawMessage) (string, error) {
	var v any
	if len(raw) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	canon := canonicalize(v)
	out, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, canonicalize(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// kv and orderedMap let canonicalize emit a deterministic key order
// through encoding/json, which does not expose that control for a plain
// map[string]any.
type kv struct {
	Key   string
	Value any
}

type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	out := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			out = append(out, ',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, k...)
		out = append(out, ':')
		out = append(out, v...)
	}
	out = append(out, '}')
	return out, nil
}

// callSignature is the canonical (name, canonical-arguments) pair used
// for both within-batch deduplication and cross-iteration loop
// detection.
func callSignature(name string, raw json.RawMessage) (string, error) {
	args, err := canonicalArguments(raw)
	if err != nil {
		return "", err
	}
	return name + "\x00" + args, nil
}
