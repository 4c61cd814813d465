// Package otelx installs the process-wide OpenTelemetry tracer provider.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/keithlinneman/buildgate/internal/xerrors"
)

// ComponentKey names the binary (server, buildcheck) within the service.
const ComponentKey = attribute.Key("buildgate.component")

// DefaultExportTimeout bounds one batch export to the collector.
const DefaultExportTimeout = 10 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
	// Environment becomes deployment.environment when set.
	Environment string
	// Headers are sent with every export, e.g. a collector tenant id.
	Headers map[string]string
	// ExportTimeout defaults to DefaultExportTimeout.
	ExportTimeout time.Duration
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// sampler keeps the parent's decision and samples root spans at ratio.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Init installs a tracer provider and propagator. When tracing is disabled
// the provider records nothing but still propagates incoming trace context.
// The returned func flushes and shuts the provider down.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())))
		return func(context.Context) error { return nil }, nil
	}

	// the collector is local; do not let a missing one stall startup
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, exporterOptions(o)...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter %s", o.Endpoint)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func exporterOptions(o Options) []otlptracegrpc.Option {
	timeout := o.ExportTimeout
	if timeout <= 0 {
		timeout = DefaultExportTimeout
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithTimeout(timeout),
		otlptracegrpc.WithCompressor("gzip"),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(o.Service + "/" + o.Version)),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(o.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(o.Headers))
	}
	return opts
}

// newResource describes this process. Detector failures are partial: the
// attributes that could be read are still returned.
func newResource(ctx context.Context, o Options) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(o.Service),
		semconv.ServiceVersionKey.String(o.Version),
	}
	if o.Component != "" {
		attrs = append(attrs, ComponentKey.String(o.Component))
	}
	if o.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(o.Environment))
	}
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	return res
}
