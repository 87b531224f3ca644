package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recera/agentrun/llmstep"
)

type greetInput struct {
	Name string `json:"name"`
}

func TestToolExecuteUnmarshalsAndRunsExecuteFunc(t *testing.T) {
	tool := New("greet", "greets someone", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) {
		return "hello, " + in.Name, nil
	})

	out, err := tool.Execute(context.Background(), []byte(`{"name":"ada"}`), llmstep.ToolMeta{CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, "hello, ada", out)
}

func TestToolExecuteAppliesCaseInsensitiveKeyMatching(t *testing.T) {
	tool := New("greet", "greets someone", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) {
		return "hello, " + in.Name, nil
	})

	out, err := tool.Execute(context.Background(), []byte(`{"NAME":"grace"}`), llmstep.ToolMeta{CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, "hello, grace", out)
}

func TestToolExecuteAppliesRegisteredAlias(t *testing.T) {
	type viewInput struct {
		DirectoryPath string `json:"directory_path"`
	}
	tool := New("list_dir", "lists a directory", func(ctx context.Context, in viewInput, meta llmstep.ToolMeta) (string, error) {
		return "listing " + in.DirectoryPath, nil
	}).WithArgumentAliases(map[string]string{"path": "directory_path"})

	out, err := tool.Execute(context.Background(), []byte(`{"path":"/tmp"}`), llmstep.ToolMeta{CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, "listing /tmp", out)
}

func TestToolExecuteWrapsExecuteFuncError(t *testing.T) {
	tool := New("broken", "always fails", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) {
		return "", context.DeadlineExceeded
	})

	_, err := tool.Execute(context.Background(), []byte(`{"name":"ada"}`), llmstep.ToolMeta{CallID: "call-1"})
	require.Error(t, err)
}

func TestToolExecuteRejectsOversizedInput(t *testing.T) {
	tool := New("greet", "greets someone", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) {
		return "hello, " + in.Name, nil
	}).WithMaxInputSize(5)

	_, err := tool.Execute(context.Background(), []byte(`{"name":"a very long name indeed"}`), llmstep.ToolMeta{CallID: "call-1"})
	require.Error(t, err)
}

func TestToolInputSchemaJSONIsGeneratedAndCached(t *testing.T) {
	tool := New("greet", "greets someone", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) {
		return "hello, " + in.Name, nil
	})

	first := tool.InputSchemaJSON()
	require.NotEmpty(t, first)
	second := tool.InputSchemaJSON()
	require.Equal(t, string(first), string(second))
}

func TestToolSatisfiesLlmstepToolInterface(t *testing.T) {
	tool := New("greet", "greets someone", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) {
		return "hello, " + in.Name, nil
	})
	var _ llmstep.Tool = tool
}

func TestRegistryGetAndAll(t *testing.T) {
	a := New("a", "tool a", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) { return "a", nil })
	b := New("b", "tool b", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) { return "b", nil })

	reg := NewRegistry(a, b)

	got, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", got.Name())

	_, ok = reg.Get("missing")
	require.False(t, ok)

	require.Equal(t, []string{"a", "b"}, reg.Names())
	require.Len(t, reg.All(), 2)
}

func TestRegistryPanicsOnDuplicateName(t *testing.T) {
	a := New("a", "tool a", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) { return "a", nil })
	dup := New("a", "also tool a", func(ctx context.Context, in greetInput, meta llmstep.ToolMeta) (string, error) { return "a2", nil })

	require.Panics(t, func() { NewRegistry(a, dup) })
}
