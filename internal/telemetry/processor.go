package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogSpanProcessor writes every finished span to a slog logger.
type LogSpanProcessor struct {
	Logger *slog.Logger
}

func (p *LogSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil || p.Logger == nil {
		return
	}

	args := []any{
		"span", span.Name(),
		"trace_id", span.SpanContext().TraceID().String(),
		"duration", span.EndTime().Sub(span.StartTime()),
	}
	for _, attr := range span.Attributes() {
		args = append(args, string(attr.Key), attr.Value.Emit())
	}

	status := span.Status()
	if status.Code == codes.Error {
		p.Logger.Warn("span failed", append(args, "error", status.Description)...)
		return
	}
	p.Logger.Info("span finished", args...)
}

func (p *LogSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *LogSpanProcessor) ForceFlush(context.Context) error {
	return nil
}

// NewLogProvider returns a tracer provider that reports spans through logger.
func NewLogProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&LogSpanProcessor{Logger: logger}))
}
