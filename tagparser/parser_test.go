package tagparser

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingHandler accumulates the content it was fed and returns a fixed
// placeholder, so tests can assert on both substitution and the side
// channel content.
type recordingHandler struct {
	name         string
	placeholder  string
	instructions string
	bodies       []string
}

func (h *recordingHandler) TagName() string      { return h.name }
func (h *recordingHandler) Instructions() string { return h.instructions }

func (h *recordingHandler) OnTagStart(ctx context.Context, attrs map[string]string) (any, error) {
	return &strings.Builder{}, nil
}

func (h *recordingHandler) OnContent(ctx context.Context, tagState any, fragment string) error {
	tagState.(*strings.Builder).WriteString(fragment)
	return nil
}

func (h *recordingHandler) OnTagEnd(ctx context.Context, tagState any) (string, error) {
	h.bodies = append(h.bodies, tagState.(*strings.Builder).String())
	return h.placeholder, nil
}

func (h *recordingHandler) OnCompleteTag(ctx context.Context, attrs map[string]string, fullContent string) (string, error) {
	h.bodies = append(h.bodies, fullContent)
	return h.placeholder, nil
}

func TestFeedSubstitutesHandledTagWithPlaceholder(t *testing.T) {
	handler := &recordingHandler{name: "write_file", placeholder: "[file written]"}
	p := NewParser(handler)

	out, err := p.Feed(context.Background(), `before <write_file path="a.txt">hello world</write_file> after`)
	require.NoError(t, err)
	require.Equal(t, "before [file written] after", out)
	require.Equal(t, []string{"hello world"}, handler.bodies)
}

func TestFeedHandlesTagSpanningMultipleDeltas(t *testing.T) {
	handler := &recordingHandler{name: "note", placeholder: "[noted]"}
	p := NewParser(handler)

	var out strings.Builder
	chunks := []string{"start <no", `te attr="x">par`, "tial conten", "t</no", "te> end"}
	for _, c := range chunks {
		processed, err := p.Feed(context.Background(), c)
		require.NoError(t, err)
		out.WriteString(processed)
	}

	require.Equal(t, "start [noted] end", out.String())
	require.Equal(t, []string{"partial content"}, handler.bodies)
}

func TestFeedPassesThroughUnhandledTags(t *testing.T) {
	p := NewParser(&recordingHandler{name: "write_file", placeholder: "[x]"})

	out, err := p.Feed(context.Background(), `<em>hi</em> plain text`)
	require.NoError(t, err)
	require.Equal(t, `<em>hi</em> plain text`, out)
}

func TestProcessCompleteSubstitutesHandledTag(t *testing.T) {
	handler := &recordingHandler{name: "plan", placeholder: "[plan recorded]"}
	p := NewParser(handler)

	out, err := p.ProcessComplete(context.Background(), `Thinking. <plan step="1">do the thing</plan> Done.`)
	require.NoError(t, err)
	require.Equal(t, "Thinking. [plan recorded] Done.", out)
	require.Equal(t, []string{"do the thing"}, handler.bodies)
}

func TestInstructionsConcatenatesInRegistrationOrder(t *testing.T) {
	a := &recordingHandler{name: "a", instructions: "use <a> to do A."}
	b := &recordingHandler{name: "b", instructions: "use <b> to do B."}
	p := NewParser(a, b)

	require.Equal(t, "use <a> to do A.\nuse <b> to do B.\n", p.Instructions())
}

func TestTagLifecycleCallbacksFire(t *testing.T) {
	handler := &recordingHandler{name: "x", placeholder: "[x]"}
	p := NewParser(handler)

	var started, completed []string
	p.OnTagStarted = func(name string) { started = append(started, name) }
	p.OnTagCompleted = func(name string) { completed = append(completed, name) }

	_, err := p.Feed(context.Background(), `<x>body</x>`)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, started)
	require.Equal(t, []string{"x"}, completed)
}
