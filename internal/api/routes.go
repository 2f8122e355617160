package api

import (
	"context"
	"net/http"
	"time"

	"livereload/internal/logging"
	"livereload/internal/metrics"
)

type RouteConfig struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
	Updates  UpdateSource
	// Root is the watched directory served under Prefix.
	Root   string
	Prefix string
	// Index is the file served at "/".
	Index          string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	StartedAt      time.Time
	// Context is cancelled on server shutdown.
	Context context.Context
}

func RegisterRoutes(mux *http.ServeMux, config RouteConfig) {
	logger := config.Logger.Category("api")
	registry := config.Registry
	if registry == nil {
		registry = metrics.Default
	}
	startedAt := config.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	static := NewStaticHandler(config.Root, config.Prefix, config.Index)
	rest := &RestHandler{
		Logger:    config.Logger,
		Registry:  registry,
		Updates:   config.Updates,
		Root:      config.Root,
		Prefix:    static.Prefix(),
		StartedAt: startedAt,
	}

	mux.Handle("/ws", securityHeadersMiddleware(cacheControlNoStore, &HMRHandler{
		Updates:        config.Updates,
		AllowedOrigins: config.AllowedOrigins,
		WriteTimeout:   config.WriteTimeout,
		Logger:         logger,
		Registry:       registry,
		Context:        config.Context,
	}))
	mux.Handle("/hmr-client.js", loggingMiddleware(logger, http.HandlerFunc(serveClientScript)))
	mux.Handle("/metrics", restHandler(rest.handleMetrics))
	mux.Handle("/api/status", loggingMiddleware(logger, restHandler(rest.handleStatus)))
	mux.Handle("/api/logs", loggingMiddleware(logger, restHandler(rest.handleLogs)))
	mux.Handle("/", loggingMiddleware(logger, static))
}
