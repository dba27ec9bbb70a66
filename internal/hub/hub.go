// Package hub fans store events out to push-mode observers.
//
// Each attached connection gets an initial-state message holding a full
// snapshot, followed by every activity and metrics event published on the
// store's bus. Delivery is best effort: a connection whose queue fills up or
// whose sink fails a write is removed, and the observer recovers by
// reconnecting and receiving a fresh snapshot.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/monitor"
)

const (
	// DefaultQueueSize is the per-connection backlog before the connection
	// is considered too slow and dropped.
	DefaultQueueSize = 256

	DefaultHeartbeatInterval = 15 * time.Second
)

var (
	ErrClosed = errors.New("hub closed")

	// ErrSlowConsumer is returned by Attach when the connection fell too far
	// behind and was dropped.
	ErrSlowConsumer = errors.New("connection dropped: outbound queue full")
)

// Sink writes messages to one observer. Send is only ever called from the
// goroutine running Attach for that sink.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type Options struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	// HistoryLimit and SampleLimit bound the initial snapshot.
	HistoryLimit int
	SampleLimit  int
}

func DefaultOptions() Options {
	return Options{
		QueueSize:         DefaultQueueSize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HistoryLimit:      monitor.DefaultRecentLimit,
		SampleLimit:       monitor.DefaultSampleLimit,
	}
}

// Stats are cumulative counters for the lifetime of the hub.
type Stats struct {
	Connections int
	Attached    uint64
	Dropped     uint64
	Sent        uint64
}

type connection struct {
	id      uint64
	queue   chan Message
	dropped chan struct{}
	once    sync.Once
}

func (c *connection) drop() {
	c.once.Do(func() { close(c.dropped) })
}

type Hub struct {
	store  *monitor.Store
	logger *slog.Logger
	opts   Options

	mu          sync.Mutex
	connections map[uint64]*connection
	nextID      uint64
	closed      bool
	done        chan struct{}
	writers     sync.WaitGroup
	unsubscribe []func()

	attached atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// New subscribes a hub to the store's bus. Call Close to unsubscribe and
// release attached connections.
func New(store *monitor.Store, logger *slog.Logger, opts Options) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaults.HistoryLimit
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = defaults.SampleLimit
	}

	h := &Hub{
		store:       store,
		logger:      logger,
		opts:        opts,
		connections: map[uint64]*connection{},
		done:        make(chan struct{}),
	}
	events := store.Bus()
	h.unsubscribe = []func(){
		events.SubscribeActivity(func(activity domain.Activity) {
			h.broadcast(ActivityUpdate(activity))
		}),
		events.SubscribeMetrics(func(sample domain.SystemMetricSample) {
			h.broadcast(MetricsUpdate(sample))
		}),
	}
	return h
}

// Attach streams to sink until ctx is done, the sink fails, the connection
// is dropped for being slow, or the hub closes. The first message is always
// the initial snapshot. Attach returns nil after a clean hub shutdown and
// ctx.Err() on cancellation.
//
// The snapshot is taken after the connection is registered, so every event
// is either part of it or queued. Queued events the snapshot already
// reflects are skipped by sequence number.
func (h *Hub) Attach(ctx context.Context, sink Sink) error {
	conn, err := h.register()
	if err != nil {
		return err
	}
	defer h.writers.Done()
	defer h.remove(conn)

	snapshot := h.store.Snapshot(h.opts.HistoryLimit, h.opts.SampleLimit)

	logger := h.logger.With("connection", conn.id)
	logger.Debug("observer attached")

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	send := func(msg Message) error {
		if seq := msg.seq(); seq != 0 && seq <= snapshot.Seq {
			return nil
		}
		if err := sink.Send(ctx, msg); err != nil {
			logger.Info("observer write failed", "error", err)
			h.dropped.Add(1)
			return err
		}
		h.sent.Add(1)
		return nil
	}

	if err := send(InitialState(snapshot)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.dropped:
			logger.Warn("observer dropped", "reason", "queue full", "queue_size", h.opts.QueueSize)
			return ErrSlowConsumer
		case <-h.done:
			return h.drain(conn, send)
		case msg := <-conn.queue:
			if err := send(msg); err != nil {
				return err
			}
		case at := <-heartbeat.C:
			if err := send(Heartbeat(at)); err != nil {
				return err
			}
		}
	}
}

// register adds a connection with an empty queue. It must not touch the
// store: broadcast runs under the store's publish lock and takes h.mu.
func (h *Hub) register() (*connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	conn := &connection{
		id:      h.nextID,
		queue:   make(chan Message, h.opts.QueueSize),
		dropped: make(chan struct{}),
	}
	h.connections[conn.id] = conn
	h.writers.Add(1)
	h.attached.Add(1)
	return conn, nil
}

func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	delete(h.connections, conn.id)
	h.mu.Unlock()
}

// broadcast never blocks: a connection that cannot take the message is
// removed and its writer told to stop.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.connections {
		select {
		case conn.queue <- msg:
		default:
			delete(h.connections, id)
			h.dropped.Add(1)
			conn.drop()
		}
	}
}

// drain flushes what is already queued for conn during shutdown.
func (h *Hub) drain(conn *connection, send func(Message) error) error {
	for {
		select {
		case msg := <-conn.queue:
			if err := send(msg); err != nil {
				return nil
			}
		default:
			return nil
		}
	}
}

// Close unsubscribes from the bus, tells every attached writer to flush its
// queue and stop, and waits for them until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}

	finished := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	connections := len(h.connections)
	h.mu.Unlock()
	return Stats{
		Connections: connections,
		Attached:    h.attached.Load(),
		Dropped:     h.dropped.Load(),
		Sent:        h.sent.Load(),
	}
}
