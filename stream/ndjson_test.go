package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recera/agentrun/events"
)

func TestNDJSONWritesOneLinePerEvent(t *testing.T) {
	ch := events.NewChannel(16)
	sub := ch.Subscribe(nil)
	rec := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() {
		done <- NDJSON(rec, sub, NewNormalizer("corr-1"), NDJSONOptions{
			BufferSize:    4096,
			FlushInterval: 0,
		})
	}()

	ch.Send(events.New(events.StepStarted, "step1", "corr-1"))
	time.Sleep(20 * time.Millisecond)
	ch.Close()

	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2) // one event line + one completion line
	require.Contains(t, lines[0], `"type":"step.started"`)
	require.Contains(t, lines[1], `"finished":true`)
}

func TestNDJSONReaderRoundTripsWriterOutput(t *testing.T) {
	var buf strings.Builder
	w := NewNDJSONWriter(&buf)
	require.NoError(t, w.Write(map[string]any{"hello": "world"}))

	r := NewReader(strings.NewReader(buf.String()))
	var got map[string]any
	require.NoError(t, r.Read(&got))
	require.Equal(t, "world", got["hello"])
}
