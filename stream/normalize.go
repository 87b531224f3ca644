// Package stream formats the pipeline's event.Channel output for
// transport to a host over SSE or NDJSON, in a stable wire shape
// independent of events.Event's internal representation.
package stream

import (
	"sync/atomic"

	"github.com/recera/agentrun/events"
)

// SchemaVersion identifies the wire format version for NormalizedEvent.
const SchemaVersion = "agentrun.events.v1"

// NormalizedEvent is the stable, transport-facing shape of an
// events.Event: a flat, JSON-tagged struct instead of the internal
// Payload-as-any representation, with a monotonic per-stream sequence
// number so a client can detect gaps or reordering.
type NormalizedEvent struct {
	Schema        string `json:"schema"`
	Type          string `json:"type"`
	Timestamp     int64  `json:"ts"`
	Sequence      int64  `json:"seq"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Step          string `json:"step,omitempty"`
	FinishReason  string `json:"finish_reason,omitempty"`
	Thinking      bool   `json:"thinking,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Normalizer converts events.Event values into NormalizedEvent, stamping
// each with the correlation id of the run it belongs to and an
// increasing sequence number. A Normalizer is safe for concurrent use by
// a single stream's writer goroutines (Sequence uses atomic.Int64), but
// is not meant to be shared across unrelated runs.
type Normalizer struct {
	correlationID string
	sequence      atomic.Int64
}

// NewNormalizer constructs a Normalizer for one run's event stream.
func NewNormalizer(correlationID string) *Normalizer {
	return &Normalizer{correlationID: correlationID}
}

// Normalize converts e into its wire representation, assigning it the
// next sequence number in this normalizer's stream. Events the host
// marked SuppressFromUser (e.g. step.validation diagnostics) are still
// normalized; callers filter them out before writing if desired via
// NormalizedEvent.Type.
func (n *Normalizer) Normalize(e events.Event) NormalizedEvent {
	seq := n.sequence.Add(1)
	return NormalizedEvent{
		Schema:        SchemaVersion,
		Type:          string(e.Type),
		Timestamp:     e.Timestamp.UnixMilli(),
		Sequence:      seq,
		CorrelationID: n.correlationID,
		Step:          e.StepName,
		FinishReason:  e.FinishReason,
		Thinking:      e.IsThinking,
		Payload:       e.Payload,
	}
}
