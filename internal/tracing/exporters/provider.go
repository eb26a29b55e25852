package exporters

import (
	"context"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderConfig selects the span exporter for the process
type ProviderConfig struct {
	ServiceName string
	Version     string

	// Exporter is "console", "otlp" or "none"
	Exporter string
	OTLP     OTLPConfig
}

// NewProvider builds an SDK tracer provider. Callers own Shutdown.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger ectologger.Logger) (*sdktrace.TracerProvider, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch cfg.Exporter {
	case "otlp":
		exp, err := NewOTLPExporter(ctx, cfg.OTLP)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case "console":
		opts = append(opts, sdktrace.WithSyncer(&ConsoleExporter{Logger: logger}))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}
