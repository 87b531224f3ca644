// This file implements the HTTP entry point that runs a pipeline and
// streams its event.Channel output to the caller, choosing SSE or NDJSON
// by content negotiation.
package stream

import (
	"net/http"
	"strings"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/pipeline"
)

// Mode selects the wire format a Handler writes.
type Mode int

const (
	// ModeSSE streams text/event-stream frames.
	ModeSSE Mode = iota
	// ModeNDJSON streams newline-delimited JSON.
	ModeNDJSON
)

// ModeFromAccept chooses ModeNDJSON when the request's Accept header
// prefers application/x-ndjson, and ModeSSE otherwise (the default, since
// every browser EventSource client needs it).
func ModeFromAccept(r *http.Request) Mode {
	if strings.Contains(r.Header.Get("Accept"), "application/x-ndjson") {
		return ModeNDJSON
	}
	return ModeSSE
}

// PrepareInput builds the input value and conversation.Context for one
// request. Returning a non-nil error aborts the request with 400 before
// any pipeline step runs.
type PrepareInput func(r *http.Request) (input any, conv *conversation.Context, err error)

// Handler streams one pipeline.Pipeline run per request: it builds a
// fresh events.Channel and conversation.Context via prepare, launches
// Pipeline.Execute in its own goroutine, and streams every event the run
// produces to the client as they arrive.
func Handler(p *pipeline.Pipeline, prepare PrepareInput, eventCapacity int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		input, conv, err := prepare(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ch := events.NewChannel(eventCapacity)
		sub := ch.Subscribe(nil)
		defer sub.Close()

		pctx := pipeline.NewContext("", conv, ch)
		normalizer := NewNormalizer(pctx.CorrelationID)

		go func() {
			defer ch.Close()
			p.Execute(r.Context(), pctx, input)
		}()

		var streamErr error
		switch ModeFromAccept(r) {
		case ModeNDJSON:
			streamErr = NDJSON(w, sub, normalizer)
		default:
			streamErr = SSE(w, sub, normalizer)
		}
		_ = streamErr // headers are already committed; nothing left to report to the client
	}
}
