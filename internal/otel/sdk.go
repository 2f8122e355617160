// Package otel installs the OpenTelemetry tracer provider used by the
// websocket spans and reports finished spans through the livereload logger.
package otel

import (
	"context"
	"os"
	"strings"

	"livereload/internal/logging"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultServiceName = "livereload"

type SDKOptions struct {
	Enabled            bool
	ServiceName        string
	ServiceVersion     string
	ResourceAttributes map[string]string
	Logger             *logging.Logger
}

// SDKOptionsFromEnv reads LIVERELOAD_OTEL_SERVICE_NAME and
// LIVERELOAD_OTEL_RESOURCE_ATTRIBUTES (comma separated key=value pairs).
func SDKOptionsFromEnv() SDKOptions {
	serviceName := strings.TrimSpace(os.Getenv("LIVERELOAD_OTEL_SERVICE_NAME"))
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return SDKOptions{
		ServiceName:        serviceName,
		ResourceAttributes: parseResourceAttributes(os.Getenv("LIVERELOAD_OTEL_RESOURCE_ATTRIBUTES")),
	}
}

// SetupSDK installs a global tracer provider whose spans are logged at debug
// level. When tracing is disabled the global no-op provider stays in place.
// The returned func flushes and shuts the provider down.
func SetupSDK(ctx context.Context, options SDKOptions) (func(context.Context) error, error) {
	if !options.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	resourceAttrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}
	if strings.TrimSpace(options.ServiceVersion) != "" {
		resourceAttrs = append(resourceAttrs, attribute.String("service.version", options.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		resourceAttrs = append(resourceAttrs, attribute.String("host.name", host))
	}
	for key, value := range options.ResourceAttributes {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		resourceAttrs = append(resourceAttrs, attribute.String(trimmedKey, value))
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(resourceAttrs...))
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSyncer(NewLogExporter(options.Logger)),
	)
	otelapi.SetTracerProvider(tracerProvider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tracerProvider.Shutdown, nil
}

func parseResourceAttributes(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	attributes := make(map[string]string)
	for _, pair := range strings.Split(trimmed, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attributes[key] = strings.TrimSpace(value)
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}
