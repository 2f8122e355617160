package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"livereload/internal/classify"
	"livereload/internal/event"
	"livereload/internal/logging"
	"livereload/internal/metrics"
	"livereload/internal/watcher"
)

// UpdateBusName labels the update bus in metrics and logs.
const UpdateBusName = "hmr_updates"

type BuildOptions struct {
	Logger           *logging.Logger
	Registry         *metrics.Registry
	Root             string
	Debounce         time.Duration
	Dedupe           bool
	Extensions       []string
	StyleExtensions  []string
	SubscriberBuffer int
	MaxClients       int
	MaxWatches       int
	Ignore           []string
}

type BuildResult struct {
	Watcher  *watcher.Watcher
	Bus      *event.Bus[[]classify.UpdateRecord]
	Pipeline *Pipeline
}

type BuildError struct {
	Stage string
	Err   error
}

func (e BuildError) Error() string {
	if e.Err == nil {
		return e.Stage
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e BuildError) Unwrap() error {
	return e.Err
}

const (
	StageValidate   = "validate"
	StageWatchSetup = "watch_setup"
)

// Build establishes the watch on Root and wires the pipeline to a fresh
// update bus. The bus lives until Close on it is called explicitly.
func Build(options BuildOptions) (*BuildResult, error) {
	if strings.TrimSpace(options.Root) == "" {
		return nil, BuildError{Stage: StageValidate, Err: errors.New("watch root is required")}
	}

	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	source, err := watcher.New(options.Root, watcher.Options{
		Logger:     options.Logger,
		Registry:   registry,
		MaxWatches: options.MaxWatches,
		Ignore:     options.Ignore,
	})
	if err != nil {
		return nil, BuildError{Stage: StageWatchSetup, Err: err}
	}

	bus := event.NewBus[[]classify.UpdateRecord](context.Background(), event.BusOptions{
		Name:                 UpdateBusName,
		SubscriberBufferSize: options.SubscriberBuffer,
		MaxSubscribers:       options.MaxClients,
		Registry:             registry,
		Logger:               options.Logger,
	})

	classifier := classify.New(classify.Options{
		Extensions:      options.Extensions,
		StyleExtensions: options.StyleExtensions,
		Base:            filepath.Dir(source.Root()),
		Dedupe:          options.Dedupe,
	})

	pipeline := NewPipeline(source, classifier, bus, PipelineOptions{
		Debounce: options.Debounce,
		Logger:   options.Logger,
		Registry: registry,
	})

	return &BuildResult{
		Watcher:  source,
		Bus:      bus,
		Pipeline: pipeline,
	}, nil
}
