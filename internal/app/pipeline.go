package app

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livereload/internal/classify"
	"livereload/internal/logging"
	"livereload/internal/metrics"
	"livereload/internal/watcher"
)

// EventSource is the raw event stream feeding a pipeline.
type EventSource interface {
	Events() <-chan watcher.RawEvent
	Close() error
}

type Publisher interface {
	Publish(records []classify.UpdateRecord)
}

type PipelineOptions struct {
	Debounce time.Duration
	Logger   *logging.Logger
	Registry *metrics.Registry
}

// Pipeline moves raw events through the debouncer and the classifier and
// publishes each non-empty result as one update batch.
type Pipeline struct {
	source     EventSource
	debouncer  *watcher.Debouncer
	classifier *classify.Classifier
	publisher  Publisher
	logger     *logging.Logger
	registry   *metrics.Registry

	started  atomic.Bool
	runDone  chan struct{}
	stopOnce sync.Once
}

func NewPipeline(source EventSource, classifier *classify.Classifier, publisher Publisher, options PipelineOptions) *Pipeline {
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	pipeline := &Pipeline{
		source:     source,
		classifier: classifier,
		publisher:  publisher,
		logger:     options.Logger.Category("pipeline"),
		registry:   registry,
		runDone:    make(chan struct{}),
	}
	pipeline.debouncer = watcher.NewDebouncer(options.Debounce, pipeline.publish)
	return pipeline
}

func (p *Pipeline) Debouncer() *watcher.Debouncer {
	return p.debouncer
}

// Run forwards raw events into the debouncer until ctx is done or the source
// closes. It may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(p.runDone)

	events := p.source.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			p.debouncer.Add(event)
		}
	}
}

// Shutdown closes the source, waits for Run to drain it and flushes the open
// burst so no pending change is lost.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		err = p.source.Close()
		if p.started.Load() {
			select {
			case <-p.runDone:
			case <-ctx.Done():
				if err == nil {
					err = ctx.Err()
				}
			}
		}
		p.debouncer.Flush()
		if discarded := p.debouncer.Stop(); discarded > 0 {
			p.logger.Warn("pending events discarded", map[string]string{
				"count": strconv.Itoa(discarded),
			})
		}
	})
	return err
}

func (p *Pipeline) publish(batch watcher.Batch) {
	p.registry.IncBatchFlushed()
	records := p.classifier.Classify(batch)
	if len(records) == 0 {
		p.logger.Debug("batch ignored", map[string]string{
			"events": strconv.Itoa(len(batch.Events)),
		})
		return
	}
	p.publisher.Publish(records)
	p.registry.AddUpdatesPublished(len(records))
	p.logger.Info("updates published", map[string]string{
		"count": strconv.Itoa(len(records)),
		"paths": summarizePaths(records, 5),
	})
}

func summarizePaths(records []classify.UpdateRecord, limit int) string {
	paths := make([]string, 0, limit)
	for i, record := range records {
		if i == limit {
			paths = append(paths, "+"+strconv.Itoa(len(records)-limit))
			break
		}
		paths = append(paths, record.Path)
	}
	return strings.Join(paths, ",")
}
