// Package telemetry installs the OpenTelemetry tracer provider. Tracing is
// off unless an OTLP endpoint is configured.
package telemetry

import (
	"context"
	"fmt"

	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.31.0"
	"go.uber.org/zap"
)

// Config holds the telemetry.* settings.
type Config struct {
	Endpoint    string            `mapstructure:"otlp_endpoint"`
	Insecure    bool              `mapstructure:"insecure"`
	ServiceName string            `mapstructure:"service_name"`
	SampleRatio float64           `mapstructure:"sample_ratio"`
	Headers     map[string]string `mapstructure:"headers"`
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// FromViper reads the telemetry section.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		Endpoint:    v.GetString("telemetry.otlp_endpoint"),
		Insecure:    v.GetBool("telemetry.insecure"),
		ServiceName: v.GetString("telemetry.service_name"),
		SampleRatio: v.GetFloat64("telemetry.sample_ratio"),
		Headers:     v.GetStringMapString("telemetry.headers"),
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wazuhsync"
	}
	if !v.IsSet("telemetry.sample_ratio") {
		cfg.SampleRatio = 1
	}
	return cfg
}

// Setup installs a global tracer provider exporting over OTLP/gRPC. With no
// endpoint it leaves the global no-op provider in place.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled; telemetry.otlp_endpoint is empty")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version.Short()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := NewProvider(res, cfg.SampleRatio, sdktrace.NewBatchSpanProcessor(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider with a parent-based ratio sampler.
func NewProvider(res *resource.Resource, ratio float64, sp sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithSpanProcessor(sp),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	return sdktrace.NewTracerProvider(opts...)
}
