package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatescan/route.timer/internal/timing"
)

const tracerName = "github.com/gatescan/route.timer"

// TraceResult emits a retrospective span tree for a finalized run: one
// root span covering the whole run and one child span per segment. The
// spans carry real run timestamps, not emission time.
func TraceResult(ctx context.Context, res timing.Result) {
	tracer := otel.Tracer(tracerName)

	ctx, root := tracer.Start(ctx, "run",
		trace.WithTimestamp(res.StartedAt),
		trace.WithAttributes(
			attribute.String("run.id", res.RunID.String()),
			attribute.String("run.route", res.Route),
			attribute.String("run.state", res.State.String()),
			attribute.Int("run.passages", len(res.Passages)),
		),
	)

	segStart := res.StartedAt
	for _, seg := range res.Segments {
		_, span := tracer.Start(ctx, seg.From+" to "+seg.To,
			trace.WithTimestamp(segStart),
			trace.WithAttributes(
				attribute.Int64("segment.duration_ms", seg.Duration.Milliseconds()),
			),
		)
		segStart = segStart.Add(seg.Duration)
		span.End(trace.WithTimestamp(segStart))
	}

	root.End(trace.WithTimestamp(res.EndedAt))
}
