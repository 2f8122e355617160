package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"livereload/internal/api"
	"livereload/internal/app"
	"livereload/internal/hmr"
	"livereload/internal/logging"
	"livereload/internal/metrics"
	"livereload/internal/otel"
	"livereload/internal/version"
)

const sessionDrainTimeout = time.Second

func runServer(args []string) int {
	return runServerWithIO(args, os.Stdout, os.Stderr, nil)
}

// runServerWithIO runs until stop is done or a signal arrives. A nil stop
// means signals only.
func runServerWithIO(args []string, stdout, stderr io.Writer, stop context.Context) int {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintln(stdout, version.Get().String())
		return 0
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLoggerWithOutput(logBuffer, cfg.LogLevel, stderr)
	logger.Info("livereload starting", map[string]string{
		"version": version.Get().String(),
	})
	logStartupConfig(logger, cfg)

	sdkOptions := otel.SDKOptionsFromEnv()
	sdkOptions.Enabled = cfg.Trace
	sdkOptions.ServiceVersion = version.Version
	sdkOptions.Logger = logger
	shutdownTracing, err := otel.SetupSDK(context.Background(), sdkOptions)
	if err != nil {
		logger.Warn("tracing setup failed", map[string]string{
			"error": err.Error(),
		})
		shutdownTracing = func(context.Context) error { return nil }
	}

	registry := metrics.Default
	built, err := app.Build(app.BuildOptions{
		Logger:           logger,
		Registry:         registry,
		Root:             cfg.Root,
		Debounce:         cfg.Debounce,
		Dedupe:           cfg.Dedupe,
		Extensions:       cfg.Extensions,
		SubscriberBuffer: cfg.SubscriberBuffer,
		MaxClients:       cfg.MaxClients,
		MaxWatches:       cfg.MaxWatches,
	})
	if err != nil {
		var buildErr app.BuildError
		stage := "build"
		if errors.As(err, &buildErr) {
			stage = buildErr.Stage
		}
		logger.Error("watch setup failed", map[string]string{
			"stage": stage,
			"root":  cfg.Root,
			"error": err.Error(),
		})
		_ = shutdownTracing(context.Background())
		return 1
	}

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- built.Pipeline.Run(context.Background())
	}()

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logger.Error("listen failed", map[string]string{
			"addr":  address,
			"error": err.Error(),
		})
		_ = built.Pipeline.Shutdown(context.Background())
		built.Bus.Close()
		_ = shutdownTracing(context.Background())
		return 1
	}

	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouteConfig{
		Logger:         logger,
		Registry:       registry,
		Updates:        built.Bus,
		Root:           built.Watcher.Root(),
		Index:          cfg.Index,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   hmr.DefaultWriteTimeout,
		StartedAt:      time.Now(),
		Context:        sessionsCtx,
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("livereload listening", map[string]string{
		"addr":    listener.Addr().String(),
		"root":    built.Watcher.Root(),
		"watches": strconv.Itoa(built.Watcher.WatchCount()),
		"client":  "http://" + listener.Addr().String() + "/hmr-client.js",
	})

	coordinator := newShutdownCoordinator(logger.Category("shutdown"))
	// Pending bursts are flushed before the hub closes, and the hub sends
	// normal closure frames before the http phase cancels the rest.
	coordinator.Add("pipeline", func(ctx context.Context) error {
		err := built.Pipeline.Shutdown(ctx)
		select {
		case runErr := <-pipelineDone:
			if err == nil && runErr != nil && !errors.Is(runErr, context.Canceled) {
				err = runErr
			}
		case <-ctx.Done():
		}
		return err
	})
	coordinator.Add("hub", func(ctx context.Context) error {
		built.Bus.Close()
		if remaining := waitForSessions(ctx, registry, sessionDrainTimeout); remaining > 0 {
			logger.Warn("sessions still open after hub close", map[string]string{
				"count": strconv.FormatInt(remaining, 10),
			})
		}
		return nil
	})
	coordinator.Add("http", func(ctx context.Context) error {
		cancelSessions()
		return server.Shutdown(ctx)
	})
	coordinator.Add("tracing", shutdownTracing)

	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	if stop != nil {
		stopAfter := context.AfterFunc(stop, stopCancel)
		defer stopAfter()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	stopWatching := watchShutdownSignals(logger, stopCancel, signalCh)
	defer stopWatching()

	runner := &ServerRunner{
		Logger:          logger,
		ShutdownTimeout: httpServerShutdownTimeout,
	}
	serverErr := runner.Run(stopCtx, ManagedServer{
		Name: "http",
		Serve: func() error {
			return server.Serve(listener)
		},
		Shutdown: coordinator.Run,
	})
	logger.Info("livereload stopped", nil)
	if serverErr.failed() {
		return 1
	}
	return 0
}

// waitForSessions polls until every session has closed or timeout passes and
// returns how many are still open.
func waitForSessions(ctx context.Context, registry *metrics.Registry, timeout time.Duration) int64 {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := registry.ActiveSessions()
		if remaining <= 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return remaining
		case <-deadline.C:
			return remaining
		case <-ticker.C:
		}
	}
}
