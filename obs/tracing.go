// Package obs provides OpenTelemetry-based tracing and metrics for the
// pipeline runtime, with zero overhead when no provider is configured.
package obs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer     trace.Tracer
	tracerOnce sync.Once
	tracerSet  bool
	noopTracer = trace.NewNoopTracerProvider().Tracer("")
)

// Tracer returns a tracer from otel's global tracer provider. Until a
// provider is installed, that global provider hands out spans that record
// nothing.
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		provider := otel.GetTracerProvider()
		if provider == nil {
			tracer = noopTracer
			return
		}
		tracer = provider.Tracer(
			"github.com/recera/agentrun",
			trace.WithInstrumentationVersion("1.0.0"),
		)
	})
	return tracer
}

// SetGlobalTracerProvider installs provider as the global tracer provider
// and resets the cached Tracer so subsequent calls pick it up. Call once
// at host startup.
func SetGlobalTracerProvider(provider trace.TracerProvider) {
	otel.SetTracerProvider(provider)
	tracerSet = true
	tracerOnce = sync.Once{}
}

// IsEnabled reports whether a tracer provider has been installed through
// SetGlobalTracerProvider.
func IsEnabled() bool {
	return tracerSet
}

// ToolSpanOptions configures StartToolSpan.
type ToolSpanOptions struct {
	ToolName  string
	ToolID    string
	StepName  string
	InputSize int
	Retryable bool
	Cacheable bool
}

// StartToolSpan starts a span for a single tool invocation.
func StartToolSpan(ctx context.Context, opts ToolSpanOptions) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, fmt.Sprintf("tool.%s", opts.ToolName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", opts.ToolName),
			attribute.String("tool.id", opts.ToolID),
			attribute.String("tool.step", opts.StepName),
			attribute.Int("tool.input_size", opts.InputSize),
			attribute.Bool("tool.retryable", opts.Retryable),
			attribute.Bool("tool.cacheable", opts.Cacheable),
		),
	)
	return ctx, span
}

// RecordToolResult records the outcome of a tool invocation on span.
func RecordToolResult(span trace.Span, success bool, outputSize int) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Bool("tool.success", success),
		attribute.Int("tool.output_size", outputSize),
	)
	if success {
		span.SetStatus(codes.Ok, "")
	}
}

// LLMSpanOptions configures StartLLMSpan.
type LLMSpanOptions struct {
	StepName     string
	Iteration    int
	Streaming    bool
	MessageCount int
	ToolCount    int
}

// StartLLMSpan starts a span for one provider invocation within the tool
// loop.
func StartLLMSpan(ctx context.Context, opts LLMSpanOptions) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, fmt.Sprintf("llm.invoke.%s", opts.StepName),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.step", opts.StepName),
			attribute.Int("llm.iteration", opts.Iteration),
			attribute.Bool("llm.streaming", opts.Streaming),
			attribute.Int("llm.message_count", opts.MessageCount),
			attribute.Int("llm.tool_count", opts.ToolCount),
		),
	)
	return ctx, span
}

// RecordUsage records token accounting on span.
func RecordUsage(span trace.Span, promptTokens, completionTokens, totalTokens int) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", promptTokens),
		attribute.Int("llm.usage.completion_tokens", completionTokens),
		attribute.Int("llm.usage.total_tokens", totalTokens),
	)
}

// RecordError records err on span and sets an error status.
func RecordError(span trace.Span, err error, description string) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
	span.SetAttributes(attribute.String("error.message", err.Error()))
}

// WithSpan runs fn inside a new span named name, recording any error it
// returns.
func WithSpan(ctx context.Context, name string, fn func(context.Context, trace.Span) error) error {
	ctx, span := Tracer().Start(ctx, name)
	defer span.End()

	if err := fn(ctx, span); err != nil {
		RecordError(span, err, name+" failed")
		return err
	}
	return nil
}
