// Package tracing provides shared OTel tracer initialization for the
// orchestrator turn pipeline and management tool dispatch.
//
// Real tracing requires an OTLP endpoint to be configured (or the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable to be set). Without it a
// no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "conductor"

var (
	initOnce       sync.Once
	configEndpoint string
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Configure sets the OTLP endpoint before the first tracer is requested.
// An empty endpoint leaves the environment variable in charge.
func Configure(endpoint string) {
	configEndpoint = endpoint
}

func initTracing() {
	endpoint := configEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

const turnTracerName = "conductor-orchestrator"

func turnTracer() trace.Tracer {
	return Tracer(turnTracerName)
}

// TraceTurn creates a span covering one orchestrator turn.
func TraceTurn(ctx context.Context, orchestratorID, model string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "orchestrator.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("orchestrator_id", orchestratorID),
		attribute.String("model", model),
	)
	return ctx, span
}

// TraceToolDispatch creates a child span for one management tool invocation.
func TraceToolDispatch(ctx context.Context, toolName, agentName string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "orchestrator.tool",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("agent_name", agentName),
	)
	return ctx, span
}

// TraceAgentCommand creates a span for one worker command execution.
func TraceAgentCommand(ctx context.Context, agentID, taskSlug string) (context.Context, trace.Span) {
	ctx, span := turnTracer().Start(ctx, "agent.command",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("task_slug", taskSlug),
	)
	return ctx, span
}

// RecordResult records the outcome of a span: error status when err is
// non-nil, OK otherwise.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
