// This file implements NDJSON (newline-delimited JSON) streaming of a
// pipeline run's event.Subscription, for hosts that prefer a plain
// chunked body over SSE framing.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/recera/agentrun/events"
)

// NDJSONOptions configures NDJSON streaming behavior.
type NDJSONOptions struct {
	// BufferSize for the underlying bufio.Writer.
	BufferSize int
	// FlushInterval for periodic flushing, independent of per-event
	// flushes; 0 disables the periodic flush goroutine.
	FlushInterval time.Duration
}

// DefaultNDJSONOptions returns sensible defaults for NDJSON streaming.
func DefaultNDJSONOptions() NDJSONOptions {
	return NDJSONOptions{
		BufferSize:    8192,
		FlushInterval: 100 * time.Millisecond,
	}
}

// NDJSON writes sub's events to w as newline-delimited JSON until sub's
// channel closes.
func NDJSON(w http.ResponseWriter, sub *events.Subscription, normalizer *Normalizer, opts ...NDJSONOptions) error {
	options := DefaultNDJSONOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	writer := &ndjsonWriter{w: w, options: options, normalizer: normalizer}
	return writer.Write(sub)
}

// ndjsonWriter handles NDJSON protocol details.
type ndjsonWriter struct {
	w          http.ResponseWriter
	options    NDJSONOptions
	normalizer *Normalizer
	mu         sync.Mutex
	encoder    *json.Encoder
	buffer     *bufio.Writer
}

// Write streams sub's events to the HTTP response as NDJSON.
func (n *ndjsonWriter) Write(sub *events.Subscription) error {
	n.setHeaders()

	flusher, ok := n.w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: NDJSON requires an http.ResponseWriter that implements http.Flusher")
	}

	n.buffer = bufio.NewWriterSize(n.w, n.options.BufferSize)
	n.encoder = json.NewEncoder(n.buffer)
	n.encoder.SetEscapeHTML(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flushDone chan struct{}
	if n.options.FlushInterval > 0 {
		flushDone = make(chan struct{})
		go n.periodicFlush(ctx, flusher, flushDone)
	}

	for e := range sub.Events() {
		if err := n.writeEvent(e); err != nil {
			return err
		}
		n.mu.Lock()
		n.buffer.Flush()
		flusher.Flush()
		n.mu.Unlock()
	}

	if err := n.writeCompletion(); err != nil {
		return err
	}

	n.mu.Lock()
	n.buffer.Flush()
	flusher.Flush()
	n.mu.Unlock()

	if flushDone != nil {
		cancel()
		<-flushDone
	}
	return nil
}

// setHeaders sets the appropriate NDJSON headers.
func (n *ndjsonWriter) setHeaders() {
	h := n.w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Transfer-Encoding", "chunked")
}

// periodicFlush flushes the buffer at regular intervals, covering quiet
// periods between step.progress events.
func (n *ndjsonWriter) periodicFlush(ctx context.Context, flusher http.Flusher, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(n.options.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			n.buffer.Flush()
			flusher.Flush()
			n.mu.Unlock()
		}
	}
}

// writeEvent writes a single normalized event as a JSON line.
func (n *ndjsonWriter) writeEvent(e events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.encoder.Encode(n.normalizer.Normalize(e)); err != nil {
		return fmt.Errorf("stream: encoding event: %w", err)
	}
	return nil
}

// writeCompletion writes the final completion line.
func (n *ndjsonWriter) writeCompletion() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.encoder.Encode(map[string]any{"type": "done", "finished": true})
}

// Reader reads a sequence of NDJSON-encoded values.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader constructs a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// Read decodes the next line into v, returning io.EOF once the stream is
// exhausted.
func (r *Reader) Read(v any) error {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	return json.Unmarshal(r.scanner.Bytes(), v)
}

// NDJSONWriter is a low-level NDJSON writer for hand-written lines outside the
// event.Subscription flow.
type NDJSONWriter struct {
	w       io.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewNDJSONWriter constructs a low-level NDJSON Writer over w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return &NDJSONWriter{w: w, encoder: encoder}
}

// Write encodes v as a JSON line.
func (w *NDJSONWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(v)
}
