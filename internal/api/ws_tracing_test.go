package api

import (
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otelapi.SetTracerProvider(previous)
	})
	return recorder
}

func TestStartWebSocketSpanAddsAttributes(t *testing.T) {
	recorder := installSpanRecorder(t)

	request := httptest.NewRequest("GET", "http://127.0.0.1:3307/ws", nil)
	_, span := startWebSocketSpan(request, "/ws", attribute.String("hmr.session_id", "s1"))
	span.End()

	spanData := findSpan(recorder.Ended(), wsConnectSpanName, "/ws")
	if spanData == nil {
		t.Fatal("expected websocket span")
	}
	if spanData.SpanKind() != trace.SpanKindServer {
		t.Fatalf("expected server span, got %v", spanData.SpanKind())
	}
	attrs := spanAttributes(spanData.Attributes())
	if attrs["http.target"] != "/ws" {
		t.Fatalf("expected http.target /ws, got %q", attrs["http.target"])
	}
	if attrs["hmr.session_id"] != "s1" {
		t.Fatalf("expected hmr.session_id s1, got %q", attrs["hmr.session_id"])
	}
}

func TestHMRConnectionRecordsSpan(t *testing.T) {
	recorder := installSpanRecorder(t)
	srv := newTestServer(t, 0)
	conn := srv.dial(t)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if spanData := findSpan(recorder.Ended(), wsConnectSpanName, "/ws"); spanData != nil {
			if spanAttributes(spanData.Attributes())["hmr.session_id"] == "" {
				t.Fatal("expected session id on span")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for websocket span")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func findSpan(spans []sdktrace.ReadOnlySpan, name, route string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() != name {
			continue
		}
		if spanAttributes(span.Attributes())["http.route"] == route {
			return span
		}
	}
	return nil
}

func spanAttributes(attrs []attribute.KeyValue) map[string]string {
	values := make(map[string]string)
	for _, attr := range attrs {
		values[string(attr.Key)] = attributeValueString(attr.Value)
	}
	return values
}

func attributeValueString(value attribute.Value) string {
	switch value.Type() {
	case attribute.BOOL:
		return strconv.FormatBool(value.AsBool())
	case attribute.INT64:
		return strconv.FormatInt(value.AsInt64(), 10)
	case attribute.STRING:
		return value.AsString()
	default:
		return value.Emit()
	}
}
