// Package otelx owns the trace pipeline: OTLP exporter setup, sampling, and
// the resource identity attached to every gateway span. Spans themselves are
// produced by the otelhttp wrapper in httpserver.
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

	"github.com/quiltfin/gateway/internal/xerrors"
)

type Options struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Sample      float64
	Service     string
	Version     string
	Environment string // "production" or "development"
}

// Init installs the global tracer provider and propagators. With Enabled
// false an SDK provider with no exporter is installed so span creation stays
// cheap and trace headers still propagate to the upstream app.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		otel.SetTextMapPropagator(prop)
		return func(context.Context) error { return nil }, nil
	}

	expOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		expOpts = append(expOpts, otlptracegrpc.WithInsecure())
	}

	// the exporter dial has no deadline of its own; the collector is a
	// node-local agent so a short timeout is enough to catch it missing
	dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, expOpts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "otlp exporter")
	}

	env := o.Environment
	if env == "" {
		env = "development"
	}
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service),
			semconv.ServiceVersionKey.String(o.Version),
			semconv.DeploymentEnvironmentKey.String(env),
			attribute.String("service.role", "admission-gateway"),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(o.Sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(prop)

	return tp.Shutdown, nil
}
