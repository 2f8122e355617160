package event

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"livereload/internal/logging"
	"livereload/internal/metrics"

	"golang.org/x/time/rate"
)

const defaultSubscriberBufferSize = 16
const defaultDropWarningInterval = 30 * time.Second

var (
	ErrBusClosed          = errors.New("event bus closed")
	ErrTooManySubscribers = errors.New("event bus subscriber limit reached")
)

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	MaxSubscribers       int
	DropWarningInterval  time.Duration
	Registry             *metrics.Registry
	Logger               *logging.Logger
}

// Bus fans every published value out to all current subscribers.
//
// Publish never blocks: each subscriber owns a buffered channel and a value
// that does not fit is dropped for that subscriber only. Values are delivered
// in publish order. Nothing is retained, so a new subscriber only sees values
// published after it subscribed.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	registry    *metrics.Registry
	logger      *logging.Logger
	published   atomic.Int64
	dropped     atomic.Int64
	dropWarn    *rate.Limiter
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.DropWarningInterval <= 0 {
		opts.DropWarningInterval = defaultDropWarningInterval
	}
	if opts.Name == "" {
		opts.Name = "event_bus"
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]chan T),
		options:     opts,
		registry:    opts.Registry,
		logger:      opts.Logger.Category("hub"),
		dropWarn:    rate.NewLimiter(rate.Every(opts.DropWarningInterval), 1),
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

// Subscribe returns a fresh receive channel and its cancel func. When the bus
// is closed or full the channel is returned already closed.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	ch, cancel, err := b.TrySubscribe()
	if err != nil {
		closed := make(chan T)
		close(closed)
		return closed, func() {}
	}
	return ch, cancel
}

// TrySubscribe is Subscribe with the reason for a refused subscription.
func (b *Bus[T]) TrySubscribe() (<-chan T, func(), error) {
	if b == nil {
		return nil, func() {}, ErrBusClosed
	}

	ch := make(chan T, b.options.SubscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, func() {}, ErrBusClosed
	}
	if b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers {
		b.mu.Unlock()
		return nil, func() {}, fmt.Errorf("%w: %d", ErrTooManySubscribers, b.options.MaxSubscribers)
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	count := len(b.subscribers)
	b.mu.Unlock()

	b.registry.SetBusSubscribers(b.options.Name, count)
	b.logger.Debug("subscriber added", map[string]string{
		"bus":         b.options.Name,
		"subscribers": strconv.Itoa(count),
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.removeSubscriber(id)
		})
	}
	return ch, cancel, nil
}

// Publish delivers value to every subscriber with room in its buffer.
func (b *Bus[T]) Publish(value T) {
	if b == nil || isNil(value) {
		return
	}

	// Sends never block, so they run under the lock. That keeps a concurrent
	// cancel or Close from closing a channel mid-send.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var dropped []uint64
	for id, ch := range b.subscribers {
		if !trySend(ch, value) {
			dropped = append(dropped, id)
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.registry.IncBusPublished(b.options.Name)
	for _, id := range dropped {
		b.incDropped(id)
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, ch := range b.subscribers {
			close(ch)
		}
		b.subscribers = make(map[uint64]chan T)
		b.mu.Unlock()

		b.registry.SetBusSubscribers(b.options.Name, 0)
	})
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats reports how many values were published and how many subscriber
// deliveries were dropped.
func (b *Bus[T]) Stats() (published, dropped int64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}

func trySend[T any](ch chan T, value T) bool {
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.registry.SetBusSubscribers(b.options.Name, count)
	b.logger.Debug("subscriber removed", map[string]string{
		"bus":         b.options.Name,
		"subscribers": strconv.Itoa(count),
	})
}

func (b *Bus[T]) incDropped(id uint64) {
	dropped := b.dropped.Add(1)
	b.registry.IncBusDropped(b.options.Name)
	if !b.dropWarn.Allow() {
		return
	}
	b.logger.Warn("subscriber lagging, message dropped", map[string]string{
		"bus":           b.options.Name,
		"subscriber_id": strconv.FormatUint(id, 10),
		"dropped_total": strconv.FormatInt(dropped, 10),
		"published":     strconv.FormatInt(b.published.Load(), 10),
	})
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
