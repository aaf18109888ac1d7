package main

import (
	"context"
	"log"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/sympozium/agentcore/internal/config"
)

// initObservability wires OTel tracing/metrics when cfg.OTelEnabled and an
// OTLP endpoint is configured; otherwise it returns a no-op shutdown.
// Adapted from cmd/agent-runner's observability bootstrap, trimmed to the
// provider setup alone: this process defines no counters or spans of its own.
func initObservability(ctx context.Context, cfg *config.Config) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.OTelEnabled {
		return noop
	}
	if cfg.OTelOTLPEndpoint == "" {
		log.Println("worker: observability enabled but no OTLP endpoint set; skipping OTel bootstrap")
		return noop
	}

	res := buildOTelResource(cfg.OTelServiceName, cfg.OTelResourceAttrs)
	tracerProvider, meterProvider, err := buildProviders(ctx, cfg.OTelOTLPProtocol, cfg.OTelOTLPEndpoint, res)
	if err != nil {
		log.Printf("worker: failed to initialize OTel exporters: %v", err)
		return noop
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
}

func buildOTelResource(serviceName, attrsCSV string) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		attribute.String("service.namespace", "agentcore"),
	}
	for k, v := range parseResourceAttributes(attrsCSV) {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		log.Printf("worker: failed building OTel resource, using defaults: %v", err)
		return resource.Default()
	}
	return res
}

func buildProviders(
	ctx context.Context,
	protocol string,
	endpoint string,
	res *resource.Resource,
) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	cleanEndpoint, insecure := normalizeEndpoint(endpoint)

	var (
		traceExp sdktrace.SpanExporter
		metricRM sdkmetric.Reader
		err      error
	)

	switch protocol {
	case "http/protobuf":
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cleanEndpoint)}
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cleanEndpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		traceExp, err = otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, nil, err
		}
		metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, err
		}
		metricRM = sdkmetric.NewPeriodicReader(metricExp)
	default:
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cleanEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cleanEndpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		traceExp, err = otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, nil, err
		}
		metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, err
		}
		metricRM = sdkmetric.NewPeriodicReader(metricExp)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(metricRM),
		sdkmetric.WithResource(res),
	)
	return tp, mp, nil
}

func normalizeEndpoint(endpoint string) (string, bool) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", true
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err == nil && u.Host != "" {
			return u.Host, u.Scheme != "https"
		}
	}
	return endpoint, true
}

func parseResourceAttributes(csv string) map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(csv) == "" {
		return out
	}
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k, v := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

