package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	meter     metric.Meter
	meterOnce sync.Once

	stepCounter    metric.Int64Counter
	stepDuration   metric.Float64Histogram
	toolCounter    metric.Int64Counter
	toolDuration   metric.Float64Histogram
	retryCounter   metric.Int64Counter
	tokenCounter   metric.Int64Counter
	eventDropCount metric.Int64Counter
)

// Meter returns the configured meter, or a noop meter when no provider has
// been set.
func Meter() metric.Meter {
	meterOnce.Do(func() {
		provider := otel.GetMeterProvider()
		if provider == nil {
			meter = noop.NewMeterProvider().Meter("")
			return
		}
		meter = provider.Meter(
			"github.com/recera/agentrun",
			metric.WithInstrumentationVersion("1.0.0"),
		)
		initializeInstruments()
	})
	return meter
}

func initializeInstruments() {
	stepCounter, _ = meter.Int64Counter(
		"pipeline.steps.total",
		metric.WithDescription("Total number of step invocations"),
		metric.WithUnit("1"),
	)
	stepDuration, _ = meter.Float64Histogram(
		"pipeline.step.duration",
		metric.WithDescription("Duration of a step invocation in milliseconds"),
		metric.WithUnit("ms"),
	)
	toolCounter, _ = meter.Int64Counter(
		"pipeline.tools.executions",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("1"),
	)
	toolDuration, _ = meter.Float64Histogram(
		"pipeline.tool.duration",
		metric.WithDescription("Duration of a tool execution in milliseconds"),
		metric.WithUnit("ms"),
	)
	retryCounter, _ = meter.Int64Counter(
		"pipeline.step.retries",
		metric.WithDescription("Total number of step retry attempts"),
		metric.WithUnit("1"),
	)
	tokenCounter, _ = meter.Int64Counter(
		"pipeline.llm.tokens",
		metric.WithDescription("Total number of tokens consumed across LLM step invocations"),
		metric.WithUnit("1"),
	)
	eventDropCount, _ = meter.Int64Counter(
		"pipeline.events.dropped",
		metric.WithDescription("Total number of events dropped by the event channel under backpressure"),
		metric.WithUnit("1"),
	)
}

// RecordStep records one step invocation's outcome and duration.
func RecordStep(ctx context.Context, stepName string, durationMs float64, success bool) {
	Meter()
	if stepCounter == nil {
		return
	}
	stepCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step.name", stepName),
		attribute.Bool("step.success", success),
	))
	if stepDuration != nil {
		stepDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("step.name", stepName)))
	}
}

// RecordTool records one tool execution's outcome and duration.
func RecordTool(ctx context.Context, toolName string, durationMs float64, success bool) {
	Meter()
	if toolCounter == nil {
		return
	}
	toolCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.Bool("tool.success", success),
	))
	if toolDuration != nil {
		toolDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("tool.name", toolName)))
	}
}

// RecordRetry records a single retry attempt against stepName.
func RecordRetry(ctx context.Context, stepName string) {
	Meter()
	if retryCounter != nil {
		retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("step.name", stepName)))
	}
}

// RecordTokens records tokens consumed by an LLM step invocation.
func RecordTokens(ctx context.Context, stepName string, tokens int64) {
	Meter()
	if tokenCounter != nil {
		tokenCounter.Add(ctx, tokens, metric.WithAttributes(attribute.String("step.name", stepName)))
	}
}

// RecordEventDropped records one event dropped by the channel under
// backpressure.
func RecordEventDropped(ctx context.Context, eventType string) {
	Meter()
	if eventDropCount != nil {
		eventDropCount.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
	}
}
