package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds the process counters exposed on /metrics.
// A nil *Registry accepts every call and records nothing.
type Registry struct {
	watchEvents      atomic.Int64
	watchErrors      atomic.Int64
	batchesFlushed   atomic.Int64
	updatesPublished atomic.Int64
	sessionsOpened   atomic.Int64
	sessionsClosed   atomic.Int64
	messagesSent     atomic.Int64
	encodeFailures   atomic.Int64
	buses            sync.Map
}

type busStats struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncWatchEvent() {
	if r == nil {
		return
	}
	r.watchEvents.Add(1)
}

func (r *Registry) IncWatchError() {
	if r == nil {
		return
	}
	r.watchErrors.Add(1)
}

func (r *Registry) IncBatchFlushed() {
	if r == nil {
		return
	}
	r.batchesFlushed.Add(1)
}

func (r *Registry) AddUpdatesPublished(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.updatesPublished.Add(int64(count))
}

func (r *Registry) IncSessionOpened() {
	if r == nil {
		return
	}
	r.sessionsOpened.Add(1)
}

func (r *Registry) IncSessionClosed() {
	if r == nil {
		return
	}
	r.sessionsClosed.Add(1)
}

func (r *Registry) IncMessageSent() {
	if r == nil {
		return
	}
	r.messagesSent.Add(1)
}

func (r *Registry) IncEncodeFailure() {
	if r == nil {
		return
	}
	r.encodeFailures.Add(1)
}

func (r *Registry) IncBusPublished(bus string) {
	if r == nil {
		return
	}
	r.bus(bus).published.Add(1)
}

func (r *Registry) IncBusDropped(bus string) {
	if r == nil {
		return
	}
	r.bus(bus).dropped.Add(1)
}

func (r *Registry) SetBusSubscribers(bus string, count int) {
	if r == nil {
		return
	}
	r.bus(bus).subscribers.Store(int64(count))
}

func (r *Registry) WatchErrors() int64 {
	if r == nil {
		return 0
	}
	return r.watchErrors.Load()
}

// ActiveSessions is opened minus closed.
func (r *Registry) ActiveSessions() int64 {
	if r == nil {
		return 0
	}
	return r.sessionsOpened.Load() - r.sessionsClosed.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}
	writeCounter(writer, "livereload_watch_events_total", "Raw filesystem events received", r.watchEvents.Load())
	writeCounter(writer, "livereload_watch_errors_total", "Non-fatal filesystem watch errors", r.watchErrors.Load())
	writeCounter(writer, "livereload_batches_flushed_total", "Debounced batches flushed", r.batchesFlushed.Load())
	writeCounter(writer, "livereload_updates_published_total", "Update records published to clients", r.updatesPublished.Load())
	writeCounter(writer, "livereload_sessions_opened_total", "Client sessions opened", r.sessionsOpened.Load())
	writeCounter(writer, "livereload_sessions_closed_total", "Client sessions closed", r.sessionsClosed.Load())
	writeCounter(writer, "livereload_messages_sent_total", "Messages written to clients", r.messagesSent.Load())
	writeCounter(writer, "livereload_encode_failures_total", "Messages dropped because encoding failed", r.encodeFailures.Load())

	names := r.busNames()
	sort.Strings(names)

	writeHelp(writer, "livereload_bus_published_total", "Messages published per bus")
	fmt.Fprintln(writer, "# TYPE livereload_bus_published_total counter")
	writeHelp(writer, "livereload_bus_dropped_total", "Messages dropped for lagging subscribers per bus")
	fmt.Fprintln(writer, "# TYPE livereload_bus_dropped_total counter")
	writeHelp(writer, "livereload_bus_subscribers", "Current subscribers per bus")
	fmt.Fprintln(writer, "# TYPE livereload_bus_subscribers gauge")
	for _, name := range names {
		stats := r.bus(name)
		label := formatLabel(name)
		fmt.Fprintf(writer, "livereload_bus_published_total{bus=%s} %d\n", label, stats.published.Load())
		fmt.Fprintf(writer, "livereload_bus_dropped_total{bus=%s} %d\n", label, stats.dropped.Load())
		fmt.Fprintf(writer, "livereload_bus_subscribers{bus=%s} %d\n", label, stats.subscribers.Load())
	}
	return nil
}

func (r *Registry) bus(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := r.buses.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func (r *Registry) busNames() []string {
	var names []string
	r.buses.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
