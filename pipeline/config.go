package pipeline

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds pipeline-wide and step-class default timeouts. The LLM
// step's default must exceed ordinary step latencies by a wide margin
// because model round-trips dominate; other step defaults stay tight.
// Config is a plain value: Pipeline, New and llmstep.Step do not read it
// (New sets its own 30s DefaultStepTimeout), so a host applies its values
// to those types itself.
type Config struct {
	// PipelineTimeout bounds a whole top-level invocation.
	PipelineTimeout time.Duration
	// DefaultStepTimeout applies to any ordinary step with no timeout of
	// its own.
	DefaultStepTimeout time.Duration
	// DefaultLLMStepTimeout applies to the LLM step when it declares no
	// timeout of its own.
	DefaultLLMStepTimeout time.Duration
	// MaxToolIterations bounds the recursive tool loop (spec default 5).
	MaxToolIterations int
	// MaxCorrectionRetries bounds the LLM step's outer self-correction
	// loop.
	MaxCorrectionRetries int
	// EventChannelCapacity sizes each subscriber's ring buffer.
	EventChannelCapacity int
}

// DefaultConfig returns the engine's built-in defaults: tight timeouts for
// ordinary steps, a generous one for the LLM step.
func DefaultConfig() Config {
	return Config{
		PipelineTimeout:       5 * time.Minute,
		DefaultStepTimeout:    10 * time.Second,
		DefaultLLMStepTimeout: 90 * time.Second,
		MaxToolIterations:     5,
		MaxCorrectionRetries:  3,
		EventChannelCapacity:  256,
	}
}

// Validate rejects a structurally invalid Config: zero or negative
// timeouts, a tool-iteration cap below 1, or a zero-sized event buffer all
// indicate a misconfigured host rather than a runtime condition, so they
// fail fast at load time.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PipelineTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.DefaultStepTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.DefaultLLMStepTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxToolIterations, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxCorrectionRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.EventChannelCapacity, validation.Required, validation.Min(1)),
	)
}
