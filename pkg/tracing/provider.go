package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewTracerProvider 创建 TracerProvider，设为全局并启用 W3C 传播
//
// 未启用时返回不挂导出器的 provider：span 仍会创建，分发链路可正常工作，但不会导出。
func NewTracerProvider(ctx context.Context, cfg *Config) (*trace.TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	opts := []trace.TracerProviderOption{trace.WithResource(res)}
	if cfg.Enabled && cfg.ExporterType != ExporterNoop {
		sampler, err := newSampler(cfg)
		if err != nil {
			return nil, err
		}
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("tracing exporter %s: %w", cfg.ExporterType, err)
		}
		opts = append(opts,
			trace.WithSampler(sampler),
			trace.WithBatcher(exporter,
				trace.WithBatchTimeout(cfg.BatchTimeout),
				trace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
				trace.WithMaxQueueSize(cfg.MaxQueueSize),
			),
		)
	} else {
		opts = append(opts, trace.WithSampler(trace.NeverSample()))
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// newResource 服务信息 + 自定义属性 + OTEL_RESOURCE_ATTRIBUTES + 主机信息
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	if env := os.Getenv("OTEL_RESOURCE_ATTRIBUTES"); env != "" {
		attrs = append(attrs, parseResourceAttributes(env)...)
	}

	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
}

// parseResourceAttributes 解析 key1=value1,key2=value2，忽略无法解析的项
func parseResourceAttributes(s string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		attrs = append(attrs, attribute.String(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	return attrs
}
