package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePrometheusIncludesBusLabels(t *testing.T) {
	registry := &Registry{}
	registry.IncBusPublished("hmr")
	registry.IncBusPublished("hmr")
	registry.IncBusDropped("hmr")
	registry.SetBusSubscribers("hmr", 3)
	registry.IncWatchEvent()
	registry.AddUpdatesPublished(4)

	var output bytes.Buffer
	if err := registry.WritePrometheus(&output); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	body := output.String()
	for _, want := range []string{
		`livereload_bus_published_total{bus="hmr"} 2`,
		`livereload_bus_dropped_total{bus="hmr"} 1`,
		`livereload_bus_subscribers{bus="hmr"} 3`,
		"livereload_watch_events_total 1",
		"livereload_updates_published_total 4",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestActiveSessions(t *testing.T) {
	registry := &Registry{}
	registry.IncSessionOpened()
	registry.IncSessionOpened()
	registry.IncSessionClosed()
	if got := registry.ActiveSessions(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var registry *Registry
	registry.IncBusDropped("x")
	registry.IncMessageSent()
	if err := registry.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
