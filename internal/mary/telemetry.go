package mary

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-mary/mary"

type instruments struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{tracer: otel.Tracer(instrumentationName)}

	requests, err := meter.Int64Counter("mary.client.requests",
		metric.WithDescription("MaryTTS requests by operation and outcome"))
	if err != nil {
		logger.Warn("failed to create request counter", slogError(err))
	}
	duration, err := meter.Float64Histogram("mary.client.duration",
		metric.WithDescription("MaryTTS request latency"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create duration histogram", slogError(err))
	}
	inst.requests = requests
	inst.duration = duration
	return inst
}

// finish closes span and records the outcome of one operation.
func (i *instruments) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		spanError(span, err)
	}
	span.End()

	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("status", status))
	if i.requests != nil {
		i.requests.Add(ctx, 1, attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
