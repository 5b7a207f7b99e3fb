package tracer

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

type Config struct {
	Enabled     bool   `split_words:"true" default:"false"`
	Endpoint    string `envconfig:"EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	Insecure    bool   `split_words:"true" default:"true"`
	ServiceName string `split_words:"true" default:"skyplanner"`
}

// Init installs an OTLP/HTTP tracer provider when tracing is enabled. The returned
// shutdown flushes pending spans; it is a no-op when tracing is off.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	logger := log.With().Str("component", "tracer").Logger()

	if !cfg.Enabled {
		logger.Debug().Msg("tracing disabled (set OTEL_ENABLED=true to enable)")
		return noop, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(strings.TrimSpace(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.Info().Str("endpoint", cfg.Endpoint).Msg("tracer initialized")

	return tp.Shutdown, nil
}
