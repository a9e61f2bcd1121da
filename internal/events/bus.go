package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBufferSize bounds the queue between publishers and the dispatch loop
const DefaultBufferSize = 256

// Bus fans events out to notifiers and subscriber channels. Publish never blocks: when the
// queue is full the event is dropped and counted.
type Bus struct {
	in        chan Event
	notifiers []Notifier
	timeout   time.Duration

	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates a bus delivering to notifiers
func NewBus(bufferSize int, notifiers ...Notifier) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		in:        make(chan Event, bufferSize),
		notifiers: notifiers,
		timeout:   5 * time.Second,
	}
}

// Subscribe returns a channel receiving every event published after the call. Slow subscribers
// lose events rather than stall the bus.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish queues an event for dispatch
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.in <- e:
	default:
		b.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"kind":     e.Kind(),
			"chain_id": e.Chain(),
		}).Warn("Event queue full, dropping event")
	}
}

// Dropped returns how many events were discarded
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run dispatches events until ctx is cancelled, then drains what is queued and closes the
// subscriber channels.
func (b *Bus) Run(ctx context.Context) {
	defer b.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.in:
			b.deliver(e)
		}
	}
}

func (b *Bus) shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	for {
		select {
		case e := <-b.in:
			b.deliver(e)
		default:
			b.mu.Lock()
			for _, ch := range b.subs {
				close(ch)
			}
			b.subs = nil
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logrus.WithField("kind", e.Kind()).Debug("Subscriber lagging, event skipped")
		}
	}
	b.mu.RUnlock()

	for _, n := range b.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := dispatch(ctx, n, e); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"kind":     e.Kind(),
				"chain_id": e.Chain(),
			}).Warn("Notifier failed to publish event")
		}
		cancel()
	}
}
