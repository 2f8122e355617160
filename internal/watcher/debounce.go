package watcher

import (
	"sync"
	"time"
)

const DefaultDebounce = 200 * time.Millisecond

// Debouncer collects events into one burst until no event has arrived for the
// quiet window, then hands the whole burst to flush. Every Add restarts the
// window. flush calls never overlap and run in burst order.
type Debouncer struct {
	window     time.Duration
	flush      func(Batch)
	flushMutex sync.Mutex
	mutex      sync.Mutex
	pending    []RawEvent
	timer      *time.Timer
	generation uint64
	stopped    bool
}

func NewDebouncer(window time.Duration, flush func(Batch)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{
		window: window,
		flush:  flush,
	}
}

func (debouncer *Debouncer) Window() time.Duration {
	return debouncer.window
}

// Add appends event to the open burst and restarts the quiet window.
func (debouncer *Debouncer) Add(event RawEvent) {
	if debouncer == nil {
		return
	}
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.stopped {
		return
	}
	debouncer.pending = append(debouncer.pending, event)
	debouncer.generation++
	generation := debouncer.generation
	if debouncer.timer != nil {
		debouncer.timer.Stop()
	}
	debouncer.timer = time.AfterFunc(debouncer.window, func() {
		debouncer.expire(generation)
	})
}

// Pending reports the number of events in the open burst.
func (debouncer *Debouncer) Pending() int {
	if debouncer == nil {
		return 0
	}
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	return len(debouncer.pending)
}

// Flush emits the open burst immediately, if there is one.
func (debouncer *Debouncer) Flush() {
	if debouncer == nil {
		return
	}
	debouncer.flushMutex.Lock()
	defer debouncer.flushMutex.Unlock()

	debouncer.mutex.Lock()
	batch, ok := debouncer.cutLocked()
	debouncer.mutex.Unlock()
	if ok {
		debouncer.emit(batch)
	}
}

// Stop cancels the window and returns how many pending events were discarded.
// Call Flush first to deliver them instead.
func (debouncer *Debouncer) Stop() int {
	if debouncer == nil {
		return 0
	}
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	debouncer.stopped = true
	if debouncer.timer != nil {
		debouncer.timer.Stop()
		debouncer.timer = nil
	}
	discarded := len(debouncer.pending)
	debouncer.pending = nil
	return discarded
}

// expire runs when a window closes. A callback from a window that was
// restarted after it fired sees a newer generation and does nothing.
func (debouncer *Debouncer) expire(generation uint64) {
	debouncer.flushMutex.Lock()
	defer debouncer.flushMutex.Unlock()

	debouncer.mutex.Lock()
	if generation != debouncer.generation {
		debouncer.mutex.Unlock()
		return
	}
	batch, ok := debouncer.cutLocked()
	debouncer.mutex.Unlock()
	if ok {
		debouncer.emit(batch)
	}
}

func (debouncer *Debouncer) cutLocked() (Batch, bool) {
	if debouncer.stopped || len(debouncer.pending) == 0 {
		return Batch{}, false
	}
	batch := Batch{
		Events:   debouncer.pending,
		ClosedAt: time.Now(),
	}
	debouncer.pending = nil
	if debouncer.timer != nil {
		debouncer.timer.Stop()
		debouncer.timer = nil
	}
	return batch, true
}

func (debouncer *Debouncer) emit(batch Batch) {
	if debouncer.flush != nil {
		debouncer.flush(batch)
	}
}
