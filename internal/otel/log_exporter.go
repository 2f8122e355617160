package otel

import (
	"context"
	"strconv"
	"sync/atomic"

	"livereload/internal/logging"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes each finished span as one debug log line. Failed spans
// are logged as warnings.
type LogExporter struct {
	logger  *logging.Logger
	stopped atomic.Bool
}

func NewLogExporter(logger *logging.Logger) *LogExporter {
	return &LogExporter{logger: logger.Category("trace")}
}

func (exporter *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if exporter.stopped.Load() {
		return nil
	}
	for _, span := range spans {
		fields := spanFields(span)
		if span.Status().Code == codes.Error {
			exporter.logger.Warn("span failed", fields)
			continue
		}
		exporter.logger.Debug("span ended", fields)
	}
	return ctx.Err()
}

func (exporter *LogExporter) Shutdown(context.Context) error {
	exporter.stopped.Store(true)
	return nil
}

func spanFields(span sdktrace.ReadOnlySpan) map[string]string {
	fields := map[string]string{
		"span":     span.Name(),
		"trace_id": span.SpanContext().TraceID().String(),
		"span_id":  span.SpanContext().SpanID().String(),
		"duration": span.EndTime().Sub(span.StartTime()).String(),
		"events":   strconv.Itoa(len(span.Events())),
	}
	if description := span.Status().Description; description != "" {
		fields["status"] = description
	}
	for _, attr := range span.Attributes() {
		fields[string(attr.Key)] = attributeString(attr.Value)
	}
	return fields
}

func attributeString(value attribute.Value) string {
	if value.Type() == attribute.STRING {
		return value.AsString()
	}
	return value.Emit()
}
