package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xelth-com/graphnotify"

// Tracer provides OpenTelemetry spans for notification processing.
// Without a registered provider the global no-op tracer is used.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartBatchSpan starts a span covering one webhook batch
func (t *Tracer) StartBatchSpan(ctx context.Context, items, tokens int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "notify.batch",
		trace.WithAttributes(
			attribute.Int("notify.items", items),
			attribute.Int("notify.validation_tokens", tokens),
		),
	)
}

// StartItemSpan starts a span for one notification item
func (t *Tracer) StartItemSpan(ctx context.Context, subscriptionID string, index int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "notify.item",
		trace.WithAttributes(
			attribute.String("notify.subscription_id", subscriptionID),
			attribute.Int("notify.index", index),
		),
	)
}

// EndItemSpan records the item outcome and ends the span
func (t *Tracer) EndItemSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("notify.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
