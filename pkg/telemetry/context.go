package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/foundation/pkg/engine"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes pending spans and writes the metrics textfile.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath)
}

// Invocation instruments one plugin invocation with a span, a logger and a
// timer.
type Invocation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel *Telemetry
}

// StartInvocation begins an instrumented plugin invocation. Without
// telemetry in ctx only the logger and timer are set.
func StartInvocation(ctx context.Context, plugin, invocationID string) *Invocation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Invocation{
			Ctx:    ctx,
			Logger: FromContext(ctx).WithPlugin(plugin).WithInvocationID(invocationID),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartInvocationSpan(ctx, plugin, invocationID)
	logger := tel.Logger.WithPlugin(plugin).WithInvocationID(invocationID)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &Invocation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
		tel:    tel,
	}
}

// End records the result in metrics, ends the span and logs the outcome.
func (inv *Invocation) End(result *engine.Result) {
	duration := inv.Timer.Duration()
	if inv.tel != nil {
		inv.tel.Metrics.RecordResult(result, duration)
	}
	if inv.Span != nil {
		EndInvocationSpan(inv.Span, result)
	}
	if result == nil {
		return
	}
	inv.Logger.Result(result, duration)
}
