// This file implements Server-Sent Events streaming of a pipeline run's
// event.Subscription for browser-compatible hosts.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/recera/agentrun/events"
)

// SSEOptions configures SSE streaming behavior.
type SSEOptions struct {
	// HeartbeatInterval for keep-alive comments (default: 15s).
	HeartbeatInterval time.Duration
	// FlushAfterWrite forces a flush after each event.
	FlushAfterWrite bool
	// MaxRetries hints the client's reconnect backoff on step.validation
	// events; 0 disables the retry hint.
	MaxRetries int
	// IncludeID adds SSE event ids for client-side replay.
	IncludeID bool
}

// DefaultSSEOptions returns sensible defaults for SSE streaming.
func DefaultSSEOptions() SSEOptions {
	return SSEOptions{
		HeartbeatInterval: 15 * time.Second,
		FlushAfterWrite:   true,
		MaxRetries:        3,
		IncludeID:         false,
	}
}

// SSE writes sub's events to w as Server-Sent Events until sub's channel
// closes (the subscription was closed, or the underlying Channel was).
func SSE(w http.ResponseWriter, sub *events.Subscription, normalizer *Normalizer, opts ...SSEOptions) error {
	options := DefaultSSEOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	writer := &sseWriter{w: w, options: options, normalizer: normalizer}
	return writer.Write(sub)
}

// sseWriter handles SSE protocol details.
type sseWriter struct {
	w          http.ResponseWriter
	options    SSEOptions
	normalizer *Normalizer
	eventID    int64
	mu         sync.Mutex
}

// Write streams sub's events to the HTTP response.
func (s *sseWriter) Write(sub *events.Subscription) error {
	s.setHeaders()

	flusher, ok := s.w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: SSE requires an http.ResponseWriter that implements http.Flusher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heartbeatDone := make(chan struct{})
	go s.sendHeartbeats(ctx, flusher, heartbeatDone)

	errChan := make(chan error, 1)

	go func() {
		defer close(heartbeatDone)

		for e := range sub.Events() {
			if err := s.writeEvent(e, flusher); err != nil {
				select {
				case errChan <- err:
				default:
				}
				return
			}
		}

		if err := s.writeCompletion(flusher); err != nil {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-heartbeatDone:
		return nil
	}
}

// setHeaders sets the appropriate SSE headers.
func (s *sseWriter) setHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sendHeartbeats sends periodic keep-alive comments so intermediate
// proxies don't close an idle connection between step.progress events.
func (s *sseWriter) sendHeartbeats(ctx context.Context, flusher http.Flusher, done chan struct{}) {
	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			fmt.Fprint(s.w, ": keep-alive\n\n")
			flusher.Flush()
			s.mu.Unlock()
		}
	}
}

// writeEvent writes a single normalized event as an SSE frame.
func (s *sseWriter) writeEvent(e events.Event, flusher http.Flusher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	normalized := s.normalizer.Normalize(e)

	if s.options.IncludeID {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", s.eventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", normalized.Type); err != nil {
		return err
	}
	if e.Type == events.StepValidation && s.options.MaxRetries > 0 {
		if _, err := fmt.Fprintf(s.w, "retry: %d\n", 5000); err != nil {
			return err
		}
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("stream: marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	if s.options.FlushAfterWrite {
		flusher.Flush()
	}
	return nil
}

// writeCompletion writes the final done event once sub's channel closes.
func (s *sseWriter) writeCompletion(flusher http.Flusher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	if s.options.IncludeID {
		fmt.Fprintf(s.w, "id: %d\n", s.eventID)
	}
	fmt.Fprint(s.w, "event: done\n")
	fmt.Fprint(s.w, "data: {\"finished\":true}\n\n")
	flusher.Flush()
	return nil
}

// Writer is a low-level SSE writer for hand-written frames outside the
// event.Subscription flow (e.g. an initial hello frame).
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewWriter constructs a low-level SSE Writer over w.
func NewWriter(w io.Writer) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// WriteEvent writes a raw SSE event frame.
func (w *Writer) WriteEvent(event, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteComment writes an SSE comment frame, used for keep-alives.
func (w *Writer) WriteComment(comment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, ": %s\n\n", comment); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
