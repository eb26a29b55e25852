package exporters

import (
	"context"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes finished spans to the service logger at debug level
type ConsoleExporter struct {
	Logger ectologger.Logger
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	if c.Logger == nil {
		return nil
	}
	for _, s := range spans {
		c.Logger.WithContext(ctx).WithFields(map[string]any{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"duration_ms": s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status":      s.Status().Code.String(),
		}).Debug("span finished")
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}
