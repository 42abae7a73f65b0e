package observer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/nevindra/d2e"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry implements d2e.Telemetry. Each tracked exception is added to
// the active span, counted, and emitted as a log record. One correlation
// id is generated per Telemetry and sent with every engine request.
type Telemetry struct {
	inst          *Instruments
	correlationID string
}

// NewTelemetry returns a Telemetry reporting through inst.
func NewTelemetry(inst *Instruments) *Telemetry {
	return &Telemetry{inst: inst, correlationID: d2e.NewID()}
}

// CorrelationID implements d2e.CorrelationIDer.
func (t *Telemetry) CorrelationID() string { return t.correlationID }

// TrackException implements d2e.Telemetry.
func (t *Telemetry) TrackException(ctx context.Context, err error, meta map[string]any) {
	if err == nil {
		return
	}
	handledAt, _ := meta["handledAt"].(string)
	kind := errorKind(err)

	attrs := append(metaAttrs(meta),
		AttrErrorKind.String(kind),
		AttrCorrelationID.String(t.correlationID))
	var httpErr *d2e.ErrHTTP
	if errors.As(err, &httpErr) {
		attrs = append(attrs, AttrHTTPStatus.Int(httpErr.Status))
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attrs...))

	t.inst.Exceptions.Add(ctx, 1, metric.WithAttributes(
		AttrHandledAt.String(handledAt),
		AttrErrorKind.String(kind),
	))

	severity := otellog.SeverityWarn
	if _, final := meta["retryCount"]; final {
		severity = otellog.SeverityError
	}
	var rec otellog.Record
	rec.SetSeverity(severity)
	rec.SetBody(otellog.StringValue(err.Error()))
	rec.AddAttributes(
		otellog.String(string(AttrHandledAt), handledAt),
		otellog.String(string(AttrErrorKind), kind),
		otellog.String(string(AttrCorrelationID), t.correlationID),
	)
	if httpErr != nil {
		rec.AddAttributes(otellog.Int(string(AttrHTTPStatus), httpErr.Status))
	}
	for _, k := range sortedKeys(meta) {
		if k == "handledAt" {
			continue
		}
		rec.AddAttributes(otellog.String("d2e.meta."+k, fmt.Sprint(meta[k])))
	}
	t.inst.Logger.Emit(ctx, rec)
}

// HTTPClient returns an HTTP client whose transport emits OTEL client spans
// and metrics. The client has no timeout, so subscribe streams stay open.
func HTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// errorKind names the class of err for metric attributes.
func errorKind(err error) string {
	var (
		httpErr     *d2e.ErrHTTP
		mismatch    *d2e.ErrProtocolMismatch
		unsupported *d2e.ErrUnsupportedContentType
	)
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%d", httpErr.Status)
	case errors.As(err, &mismatch):
		return "protocol_mismatch"
	case errors.As(err, &unsupported):
		return "unsupported_content_type"
	case errors.Is(err, d2e.ErrMissingConversationID):
		return "missing_conversation_id"
	case errors.Is(err, d2e.ErrBusy):
		return "busy"
	case errors.Is(err, d2e.ErrAlreadyStarted):
		return "already_started"
	case errors.Is(err, d2e.ErrNotStarted):
		return "not_started"
	case errors.Is(err, d2e.ErrObsoletedTurn):
		return "obsoleted_turn"
	case errors.Is(err, d2e.ErrTooManyContinuations):
		return "too_many_continuations"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func metaAttrs(meta map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(meta))
	for _, k := range sortedKeys(meta) {
		switch k {
		case "handledAt":
			attrs = append(attrs, AttrHandledAt.String(fmt.Sprint(meta[k])))
		case "attemptNumber":
			attrs = append(attrs, AttrAttempt.Int(toInt(meta[k])))
		case "retriesLeft":
			attrs = append(attrs, AttrRetriesLeft.Int(toInt(meta[k])))
		case "retryCount":
			attrs = append(attrs, AttrRetryCount.Int(toInt(meta[k])))
		default:
			attrs = append(attrs, attribute.String("d2e.meta."+k, fmt.Sprint(meta[k])))
		}
	}
	return attrs
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ d2e.Telemetry       = (*Telemetry)(nil)
	_ d2e.CorrelationIDer = (*Telemetry)(nil)
)
