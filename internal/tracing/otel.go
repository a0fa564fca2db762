package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tpMu sync.Mutex
	tp   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process-wide tracer provider. Later calls
// are no-ops until ShutdownOpenTelemetry runs.
func InitOpenTelemetry(serviceName string, sampleRatio float64) error {
	tpMu.Lock()
	defer tpMu.Unlock()
	if tp != nil {
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return err
	}
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	tp = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return nil
}

// ShutdownOpenTelemetry flushes the provider installed by InitOpenTelemetry.
func ShutdownOpenTelemetry(ctx context.Context) error {
	tpMu.Lock()
	p := tp
	tp = nil
	tpMu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}

// StartSpan starts a span tagged with the tick, request and actuator ids
// carried by ctx. The span's trace id becomes the context trace id when none
// is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	tc := FromContext(ctx)
	if tc.TickID != 0 {
		attrs = append(attrs, attribute.Int64("embodia.tick_id", int64(tc.TickID)))
	}
	if tc.RequestID != 0 {
		attrs = append(attrs, attribute.Int64("embodia.request_id", int64(tc.RequestID)))
	}
	if tc.ActuatorID != "" {
		attrs = append(attrs, attribute.String("embodia.actuator_id", tc.ActuatorID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) != "" {
		return ctx, span
	}
	if sc := span.SpanContext(); sc.IsValid() {
		return WithTraceID(ctx, sc.TraceID().String()), span
	}
	return WithTraceID(ctx, NewTraceID()), span
}
