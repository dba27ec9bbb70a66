// Package bus decouples store mutations from observers. It carries two
// topics: activity lifecycle transitions and host resource samples.
//
// Publishing is synchronous and delivers to subscribers in registration
// order. A subscriber that panics is logged and skipped; the remaining
// subscribers still receive the event and the publisher never sees the
// failure. Subscribers that need to do I/O must hand the event off to their
// own goroutine.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/bcrosbie/activityhub/internal/domain"
)

type ActivityFunc func(domain.Activity)

type MetricsFunc func(domain.SystemMetricSample)

type subscription[F any] struct {
	id uint64
	fn F
}

type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	activity []subscription[ActivityFunc]
	metrics  []subscription[MetricsFunc]
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// SubscribeActivity registers fn for activity transitions. The returned
// func removes the subscription; calling it more than once is harmless.
func (b *Bus) SubscribeActivity(fn ActivityFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.activity = appendSubscription(b.activity, subscription[ActivityFunc]{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.activity = removeSubscription(b.activity, id)
	}
}

// SubscribeMetrics registers fn for resource samples.
func (b *Bus) SubscribeMetrics(fn MetricsFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.metrics = appendSubscription(b.metrics, subscription[MetricsFunc]{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.metrics = removeSubscription(b.metrics, id)
	}
}

// PublishActivity delivers a copy of activity to every activity subscriber.
func (b *Bus) PublishActivity(activity domain.Activity) {
	b.mu.Lock()
	subscribers := b.activity
	b.mu.Unlock()

	for _, sub := range subscribers {
		b.deliver("activity", sub.id, func() { sub.fn(activity.Clone()) })
	}
}

// PublishMetrics delivers sample to every metrics subscriber.
func (b *Bus) PublishMetrics(sample domain.SystemMetricSample) {
	b.mu.Lock()
	subscribers := b.metrics
	b.mu.Unlock()

	for _, sub := range subscribers {
		b.deliver("metrics", sub.id, func() { sub.fn(sample) })
	}
}

func (b *Bus) SubscriberCount() (activity, metrics int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.activity), len(b.metrics)
}

func (b *Bus) deliver(topic string, id uint64, call func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("subscriber panicked",
				"topic", topic,
				"subscriber", id,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()
	call()
}

// The subscriber slices are never mutated in place, so publishers can
// iterate a slice header taken under the lock without holding it.
func appendSubscription[F any](in []subscription[F], sub subscription[F]) []subscription[F] {
	out := make([]subscription[F], len(in), len(in)+1)
	copy(out, in)
	return append(out, sub)
}

func removeSubscription[F any](in []subscription[F], id uint64) []subscription[F] {
	out := make([]subscription[F], 0, len(in))
	for _, sub := range in {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
