package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcrosbie/activityhub/internal/bus"
	"github.com/bcrosbie/activityhub/internal/domain"
)

const (
	DefaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Writer moves finished activities from the bus to a Sink on its own
// goroutine so a slow database never stalls the store. When the queue is
// full the activity is dropped and counted.
type Writer struct {
	sink   Sink
	logger *slog.Logger
	queue  chan domain.Activity

	unsubscribe func()
	closeOnce   sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter subscribes to events immediately. Call Run to start writing and
// Close to unsubscribe.
func NewWriter(events *bus.Bus, sink Sink, logger *slog.Logger, queueSize int) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &Writer{
		sink:   sink,
		logger: logger,
		queue:  make(chan domain.Activity, queueSize),
	}
	w.unsubscribe = events.SubscribeActivity(w.enqueue)
	return w
}

func (w *Writer) enqueue(activity domain.Activity) {
	if !activity.Status.Terminal() {
		return
	}
	select {
	case w.queue <- activity:
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn("archive queue full, dropping finished activities", "queue_size", cap(w.queue))
		}
	}
}

// Run writes queued activities until ctx is done, then flushes whatever is
// already queued with a fresh deadline and closes the sink.
func (w *Writer) Run(ctx context.Context) error {
	defer func() {
		if err := w.sink.Close(); err != nil {
			w.logger.Warn("archive close failed", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			w.Close()
			w.flush()
			return nil
		case activity := <-w.queue:
			w.write(ctx, activity)
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	for {
		select {
		case activity := <-w.queue:
			w.write(ctx, activity)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, activity domain.Activity) {
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := w.sink.Archive(writeCtx, activity); err != nil {
		w.failed.Add(1)
		w.logger.Warn("archive write failed", "activity", activity.ID, "error", err)
		return
	}
	w.written.Add(1)
}

// Close stops receiving new activities. It is safe to call more than once.
func (w *Writer) Close() {
	w.closeOnce.Do(w.unsubscribe)
}

type WriterStats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}
