package observer

import (
	"context"
	"iter"
	"time"

	"github.com/nevindra/d2e"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObserveTurn wraps the activity sequence of one turn with a span, activity
// and turn counters, a duration histogram and a completion log record.
// name identifies the turn kind (e.g. "start", "execute").
func ObserveTurn(ctx context.Context, inst *Instruments, name, conversationID string, seq iter.Seq2[*d2e.Activity, error]) iter.Seq2[*d2e.Activity, error] {
	return func(yield func(*d2e.Activity, error) bool) {
		ctx, span := inst.Tracer.Start(ctx, "d2e.turn", trace.WithAttributes(
			AttrTurnName.String(name),
			AttrConversationID.String(conversationID),
		))
		defer span.End()
		start := time.Now()

		count := 0
		status := "ok"
		for act, err := range seq {
			if err != nil {
				status = "error"
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(nil, err)
				break
			}
			count++
			inst.Activities.Add(ctx, 1, metric.WithAttributes(
				AttrTurnName.String(name),
				AttrActivityType.String(act.Type()),
			))
			if !yield(act, nil) {
				status = "stopped"
				break
			}
		}

		durationMs := float64(time.Since(start).Milliseconds())
		attrs := []attribute.KeyValue{AttrTurnName.String(name), AttrTurnStatus.String(status)}
		span.SetAttributes(AttrActivityCount.Int(count), AttrTurnStatus.String(status))
		inst.Turns.Add(ctx, 1, metric.WithAttributes(attrs...))
		inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("turn completed"))
		rec.AddAttributes(
			otellog.String("d2e.turn", name),
			otellog.String("d2e.conversation_id", conversationID),
			otellog.Int("d2e.activity.count", count),
			otellog.Float64("d2e.turn.duration_ms", durationMs),
			otellog.String("status", status),
		)
		inst.Logger.Emit(ctx, rec)
	}
}
