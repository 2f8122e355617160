package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"livereload/internal/logging"
	"livereload/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const (
	defaultMaxWatches  = 4096
	eventBufferSize    = 64
	errorWarnInterval  = 5 * time.Second
	errorWarnBurstSize = 3
)

// Watcher is a recursive fsnotify watch rooted at one directory.
type Watcher struct {
	root       string
	watcher    *fsnotify.Watcher
	events     chan RawEvent
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	mutex      sync.Mutex
	watched    map[string]struct{}
	ignore     map[string]struct{}
	maxWatches int
	logger     *logging.Logger
	registry   *metrics.Registry
	errorWarn  *rate.Limiter
}

// New watches root and every directory below it. Any failure to watch root
// itself is returned wrapped in ErrWatchSetup.
func New(root string, options Options) (*Watcher, error) {
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchSetup, root, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchSetup, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s: not a directory", ErrWatchSetup, root)
	}

	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatchSetup, err)
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}
	ignoreNames := options.Ignore
	if ignoreNames == nil {
		ignoreNames = defaultIgnore
	}
	ignore := make(map[string]struct{}, len(ignoreNames))
	for _, name := range ignoreNames {
		ignore[name] = struct{}{}
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	instance := &Watcher{
		root:       absolute,
		watcher:    source,
		events:     make(chan RawEvent, eventBufferSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		watched:    make(map[string]struct{}),
		ignore:     ignore,
		maxWatches: maxWatches,
		logger:     options.Logger.Category("watcher"),
		registry:   registry,
		errorWarn:  rate.NewLimiter(rate.Every(errorWarnInterval), errorWarnBurstSize),
	}

	if err := instance.addWatch(absolute); err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchSetup, root, err)
	}
	instance.addTree(absolute)

	go instance.run()
	return instance, nil
}

// Root is the absolute path of the watched directory.
func (watcher *Watcher) Root() string {
	if watcher == nil {
		return ""
	}
	return watcher.root
}

// Events delivers raw events until the watcher is closed.
func (watcher *Watcher) Events() <-chan RawEvent {
	return watcher.events
}

// WatchCount reports how many directories are currently watched.
func (watcher *Watcher) WatchCount() int {
	if watcher == nil {
		return 0
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return len(watcher.watched)
}

// Close releases the OS watch and closes Events.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	var err error
	watcher.closeOnce.Do(func() {
		close(watcher.done)
		err = watcher.watcher.Close()
		<-watcher.stopped
	})
	return err
}

func (watcher *Watcher) run() {
	defer close(watcher.stopped)
	defer close(watcher.events)

	for {
		select {
		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			for _, raw := range watcher.handleEvent(event) {
				select {
				case watcher.events <- raw:
				case <-watcher.done:
					return
				}
			}
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.handleError(err)
		case <-watcher.done:
			return
		}
	}
}

// handleEvent maps one fsnotify event to raw events. A new directory also
// yields a Create for every file already inside it, since those were written
// before its watch existed.
func (watcher *Watcher) handleEvent(event fsnotify.Event) []RawEvent {
	if event.Name == "" {
		return nil
	}
	watcher.registry.IncWatchEvent()

	raw := RawEvent{
		Kind:  kindForOp(event.Op),
		Paths: []string{event.Name},
		At:    time.Now(),
	}

	events := []RawEvent{raw}
	switch raw.Kind {
	case KindCreate:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			watcher.addTree(event.Name)
			for _, path := range watcher.filesUnder(event.Name) {
				events = append(events, RawEvent{Kind: KindCreate, Paths: []string{path}, At: raw.At})
			}
		}
	case KindRemove:
		watcher.forget(event.Name)
	}

	watcher.logger.Debug("file change", map[string]string{
		"kind": string(raw.Kind),
		"path": event.Name,
	})
	if len(events) > 1 {
		watcher.logger.Debug("new directory scanned", map[string]string{
			"path":  event.Name,
			"files": strconv.Itoa(len(events) - 1),
		})
	}
	return events
}

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	watcher.registry.IncWatchError()
	if watcher.errorWarn.Allow() {
		watcher.logger.Warn("watch error", map[string]string{
			"root":  watcher.root,
			"error": err.Error(),
		})
	}
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		watcher.addTree(watcher.root)
		watcher.logger.Info("watch tree rescanned", map[string]string{
			"root":           watcher.root,
			"active_watches": strconv.Itoa(watcher.WatchCount()),
		})
	}
}
