package watcher

import (
	"errors"
	"time"

	"livereload/internal/logging"
	"livereload/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// ErrWatchSetup wraps every failure to establish the initial watch.
var ErrWatchSetup = errors.New("watch setup failed")

var ErrMaxWatchesExceeded = errors.New("max watches exceeded")

type EventKind string

const (
	KindCreate EventKind = "create"
	KindModify EventKind = "modify"
	KindRemove EventKind = "remove"
	KindOther  EventKind = "other"
)

// RawEvent is one filesystem notification.
type RawEvent struct {
	Kind  EventKind
	Paths []string
	At    time.Time
}

// Batch is one debounced burst of events, in arrival order.
type Batch struct {
	Events   []RawEvent
	ClosedAt time.Time
}

// Options controls watcher behavior.
type Options struct {
	Logger   *logging.Logger
	Registry *metrics.Registry
	// MaxWatches caps the number of watched directories.
	MaxWatches int
	// Ignore lists directory base names that are never descended into.
	Ignore []string
}

var defaultIgnore = []string{".git", "node_modules"}

func kindForOp(op fsnotify.Op) EventKind {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreate
	case op.Has(fsnotify.Write):
		return KindModify
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return KindRemove
	default:
		return KindOther
	}
}
