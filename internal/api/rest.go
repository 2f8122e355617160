package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"livereload/internal/logging"
	"livereload/internal/metrics"
	"livereload/internal/version"
)

const defaultLogLimit = 100

type RestHandler struct {
	Logger    *logging.Logger
	Registry  *metrics.Registry
	Updates   UpdateSource
	Root      string
	Prefix    string
	StartedAt time.Time
	Now       func() time.Time
}

type statusResponse struct {
	Version       string    `json:"version"`
	GitCommit     string    `json:"git_commit,omitempty"`
	Root          string    `json:"root"`
	Prefix        string    `json:"prefix"`
	Clients       int       `json:"clients"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	clients := 0
	if h.Updates != nil {
		clients = h.Updates.SubscriberCount()
	}
	info := version.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Version:       info.Version,
		GitCommit:     info.GitCommit,
		Root:          h.Root,
		Prefix:        h.Prefix,
		Clients:       clients,
		StartedAt:     h.StartedAt.UTC(),
		UptimeSeconds: int64(now().Sub(h.StartedAt).Seconds()),
	})
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	buffer := h.Logger.Buffer()
	if buffer == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}

	values := r.URL.Query()
	limit := defaultLogLimit
	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}
	level := logging.LevelDebug
	if rawLevel := strings.TrimSpace(values.Get("level")); rawLevel != "" {
		parsed, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		level = parsed
	}

	writeJSON(w, http.StatusOK, buffer.Filter(level, limit))
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := h.Registry.WritePrometheus(w); err != nil {
		h.Logger.Warn("metrics write failed", map[string]string{"error": err.Error()})
	}
	return nil
}
