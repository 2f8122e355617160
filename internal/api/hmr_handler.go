package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"livereload/internal/classify"
	"livereload/internal/event"
	"livereload/internal/hmr"
	"livereload/internal/logging"
	"livereload/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// UpdateSource hands out subscriptions to the update stream.
// *event.Bus[[]classify.UpdateRecord] satisfies it.
type UpdateSource interface {
	TrySubscribe() (<-chan []classify.UpdateRecord, func(), error)
	SubscriberCount() int
}

// HMRHandler upgrades /ws requests and runs one hmr.Session per client.
type HMRHandler struct {
	Updates        UpdateSource
	AllowedOrigins []string
	WriteTimeout   time.Duration
	Logger         *logging.Logger
	Registry       *metrics.Registry
	// Context ends every session with a going-away close when it is done.
	Context context.Context
}

func (h *HMRHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Updates == nil {
		rejectWebSocket(w, r, h.Logger, wsError{
			Status:  http.StatusInternalServerError,
			Message: "update stream unavailable",
		})
		return
	}

	// Subscribe before upgrading so a client never misses a batch published
	// right after its connected message.
	updates, release, err := h.Updates.TrySubscribe()
	if err != nil {
		message := "update stream unavailable"
		if errors.Is(err, event.ErrTooManySubscribers) {
			message = "too many clients"
		}
		rejectWebSocket(w, r, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: message,
			Err:     err,
		})
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		release()
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	session := hmr.NewSession(conn, updates, hmr.SessionOptions{
		WriteTimeout: h.WriteTimeout,
		Logger:       h.Logger,
		Registry:     h.Registry,
		Release:      release,
	})

	spanCtx, span := startWebSocketSpan(r, r.URL.Path, attribute.String("hmr.session_id", session.ID()))
	defer span.End()

	ctx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	if h.Context != nil {
		stop := context.AfterFunc(h.Context, cancel)
		defer stop()
	}

	if err := session.Run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session ended with transport error")
	}
}
