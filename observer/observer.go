// Package observer provides OTEL-based observability for d2e conversations.
//
// Telemetry implements d2e.Telemetry and turns handled errors into span
// events, metrics and log records. NewTracer gives the session per-attempt
// spans, HTTPClient instruments the engine transport, and ObserveTurn
// wraps a turn's activity sequence. Users export to any OTEL-compatible
// backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/d2e/observer"

// Instruments holds all OTEL instruments used by the observer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Exceptions metric.Int64Counter
	Activities metric.Int64Counter
	Turns      metric.Int64Counter

	// Histograms
	TurnDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "d2e"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// NewInstruments creates instruments on the current global providers
// without installing exporters. With no providers configured every
// instrument is a no-op.
func NewInstruments() (*Instruments, error) {
	return newInstruments()
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	exceptions, err := meter.Int64Counter("d2e.exceptions",
		metric.WithDescription("Errors handled or surfaced by the client"),
		metric.WithUnit("{exception}"))
	if err != nil {
		return nil, err
	}

	activities, err := meter.Int64Counter("d2e.activities",
		metric.WithDescription("Activities received from the engine"),
		metric.WithUnit("{activity}"))
	if err != nil {
		return nil, err
	}

	turns, err := meter.Int64Counter("d2e.turns",
		metric.WithDescription("Completed turns"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("d2e.turn.duration",
		metric.WithDescription("Time from first request to end of turn"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:       tracer,
		Meter:        meter,
		Logger:       logger,
		Exceptions:   exceptions,
		Activities:   activities,
		Turns:        turns,
		TurnDuration: turnDuration,
	}, nil
}
