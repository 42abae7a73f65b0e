package d2e

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Session, TurnExecutor, or Coordinator.
type Option func(*options)

type options struct {
	client         *http.Client
	retry          RetryConfig
	telemetry      Telemetry
	tracer         Tracer
	logger         *slog.Logger
	conversationID string
	silence        time.Duration
	observer       func(*Activity)
}

// WithHTTPClient sets the HTTP client used for engine requests
// (default: a client without timeout, since subscribe streams are long-lived).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithRetryConfig replaces the retry policy (default: DefaultRetryConfig()).
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithTelemetry sets the sink for handled and surfaced errors.
func WithTelemetry(t Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithTracer wraps every HTTP attempt in a span.
func WithTracer(t Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the structured logger. Requests log at DEBUG, retries at
// WARN and exhausted retries at ERROR. If not set, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConversationID binds an existing conversation id up front, resuming
// that conversation instead of starting a new one.
func WithConversationID(id string) Option {
	return func(o *options) { o.conversationID = id }
}

// WithSilenceTimeout sets how long a Coordinator keeps draining the
// subscribe stream after the last activity (default 1s, max 60s).
func WithSilenceTimeout(d time.Duration) Option {
	return func(o *options) { o.silence = d }
}

// WithActivityObserver registers fn to be called, from the subscribe
// goroutine, for every activity the subscribe stream delivers.
func WithActivityObserver(fn func(*Activity)) Option {
	return func(o *options) { o.observer = fn }
}

const defaultSilenceTimeout = time.Second

func buildOptions(opts []Option) options {
	o := options{
		retry:   DefaultRetryConfig(),
		silence: defaultSilenceTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}
	if o.telemetry == nil {
		o.telemetry = nopTelemetry{}
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	return o
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
