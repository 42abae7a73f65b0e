package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nevindra/d2e"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a d2e.Tracer that opens one OTEL client span per engine
// attempt. Spans carry the attributes the session passes plus any base
// attributes configured with TracerOption values.
type Tracer struct {
	tracer trace.Tracer
	base   []attribute.KeyValue
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) { t.tracer = tp.Tracer(scopeName) }
}

// WithCorrelation stamps every span with the correlation id tel sends to
// the engine, so spans can be matched with engine-side logs.
func WithCorrelation(tel *Telemetry) TracerOption {
	return func(t *Tracer) {
		if id := tel.CorrelationID(); id != "" {
			t.base = append(t.base, AttrCorrelationID.String(id))
		}
	}
}

// NewTracer returns a Tracer. Without WithTracerProvider it uses the
// global provider, which Init configures.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{tracer: otel.Tracer(scopeName)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start implements d2e.Tracer.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...d2e.SpanAttr) (context.Context, d2e.Span) {
	kvs := append(append([]attribute.KeyValue(nil), t.base...), convertAttrs(attrs)...)
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(kvs...))
	return ctx, attemptSpan{span}
}

// attemptSpan adapts a trace.Span to d2e.Span.
type attemptSpan struct {
	span trace.Span
}

func (s attemptSpan) SetAttr(attrs ...d2e.SpanAttr) { s.span.SetAttributes(convertAttrs(attrs)...) }

func (s attemptSpan) Event(name string, attrs ...d2e.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

// Error marks the span failed. A canceled attempt is not a failure of the
// engine, so it is recorded as an event and leaves the status unset.
func (s attemptSpan) Error(err error) {
	if errors.Is(err, context.Canceled) {
		s.span.AddEvent("canceled")
		return
	}
	s.span.RecordError(err, trace.WithAttributes(AttrErrorKind.String(errorKind(err))))
	var httpErr *d2e.ErrHTTP
	if errors.As(err, &httpErr) {
		s.span.SetAttributes(AttrHTTPStatus.Int(httpErr.Status))
	}
	s.span.SetStatus(codes.Error, err.Error())
}

func (s attemptSpan) End() { s.span.End() }

func convertAttrs(attrs []d2e.SpanAttr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		kvs = append(kvs, attribute.KeyValue{Key: attribute.Key(a.Key), Value: attrValue(a.Value)})
	}
	return kvs
}

func attrValue(v any) attribute.Value {
	switch v := v.(type) {
	case string:
		return attribute.StringValue(v)
	case bool:
		return attribute.BoolValue(v)
	case int:
		return attribute.IntValue(v)
	case int64:
		return attribute.Int64Value(v)
	case float64:
		return attribute.Float64Value(v)
	case time.Duration:
		return attribute.Int64Value(v.Milliseconds())
	case []string:
		return attribute.StringSliceValue(v)
	case error:
		return attribute.StringValue(v.Error())
	default:
		return attribute.StringValue(fmt.Sprint(v))
	}
}

var (
	_ d2e.Tracer = (*Tracer)(nil)
	_ d2e.Span   = attemptSpan{}
)
