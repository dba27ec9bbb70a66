package monitor

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bcrosbie/activityhub/internal/bus"
	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/metrics"
)

const (
	DefaultHistoryCap     = 1000
	DefaultSampleInterval = time.Second
	DefaultRecentLimit    = 50
	DefaultSampleLimit    = 100
)

// Options are fixed at construction, except Enabled which can be flipped at
// runtime with SetEnabled.
type Options struct {
	Enabled          bool
	SampleInterval   time.Duration
	HistoryCap       int
	ResourceSampling bool
	EntityMetrics    bool
	VerboseLogging   bool
}

func DefaultOptions() Options {
	return Options{
		Enabled:          true,
		SampleInterval:   DefaultSampleInterval,
		HistoryCap:       DefaultHistoryCap,
		ResourceSampling: true,
		EntityMetrics:    true,
	}
}

// AttributeFilter rewrites attributes before they are stored, for example to
// mask credentials.
type AttributeFilter interface {
	FilterAttributes(domain.Attributes) domain.Attributes
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests that assert exact durations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithAttributeFilter(filter AttributeFilter) Option {
	return func(s *Store) {
		s.filter = filter
	}
}

type counters struct {
	started       int64
	completed     int64
	failed        int64
	cancelled     int64
	totalDuration time.Duration
}

// Store is the registry of in-flight and finished activities plus the
// resource sample history. Every activity lives either in the live set or in
// history, never both.
//
// Bus subscribers are notified after the data lock is released, so they may
// read the store. Notifications are delivered in commit order: a second
// transition waits until every subscriber has seen the first. Subscribers
// must therefore not call Begin, End or IngestSample themselves.
type Store struct {
	opts       Options
	enabled    atomic.Bool
	bus        *bus.Bus
	aggregator *metrics.Aggregator
	logger     *slog.Logger
	filter     AttributeFilter
	now        func() time.Time
	newID      func() string

	// publishMu is held from commit until the bus has delivered the event.
	// It is always taken before mu.
	publishMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	live    map[string]*domain.Activity
	history []domain.Activity
	samples []domain.SystemMetricSample
	stats   counters

	samplerMu sync.Mutex
	sampler   *runningSampler
}

func New(events *bus.Bus, opts Options, options ...Option) *Store {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	s := &Store{
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		live:   map[string]*domain.Activity{},
	}
	for _, option := range options {
		option(s)
	}
	if events == nil {
		events = bus.New(s.logger)
	}
	s.bus = events
	s.enabled.Store(opts.Enabled)
	s.aggregator = metrics.New(func() bool {
		return s.enabled.Load() && s.opts.EntityMetrics
	})
	return s
}

func (s *Store) Options() Options {
	opts := s.opts
	opts.Enabled = s.enabled.Load()
	return opts
}

func (s *Store) Bus() *bus.Bus { return s.bus }

func (s *Store) Enabled() bool { return s.enabled.Load() }

func (s *Store) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) != enabled {
		s.logger.Info("monitoring toggled", "enabled", enabled)
	}
}

// Begin records a new live activity and returns its id. When the store is
// disabled it returns "" and does nothing else; End accepts "" as a no-op.
func (s *Store) Begin(kind domain.Kind, label string, attrs domain.Attributes, parentID string) string {
	if !s.enabled.Load() {
		return ""
	}

	activity := &domain.Activity{
		ID:         s.newID(),
		Kind:       kind,
		Label:      label,
		StartedAt:  s.now(),
		Status:     domain.StatusStarted,
		Attributes: s.filterAttributes(attrs),
		ParentID:   strings.TrimSpace(parentID),
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.seq++
	activity.Seq = s.seq
	s.live[activity.ID] = activity
	s.stats.started++
	published := activity.Clone()
	s.mu.Unlock()

	if s.opts.VerboseLogging {
		s.logger.Debug("activity started", "id", published.ID, "kind", published.Kind, "label", published.Label)
	}
	s.bus.PublishActivity(published)
	return published.ID
}

// End moves a live activity to history with a terminal status. Unknown or
// empty ids, repeated ends and calls while disabled are ignored. A
// non-terminal status is treated as completed.
func (s *Store) End(id string, status domain.Status, extra domain.Attributes) {
	if id == "" || !s.enabled.Load() {
		return
	}
	if !status.Terminal() {
		status = domain.StatusCompleted
	}
	extra = s.filterAttributes(extra)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	activity, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, id)
	s.seq++
	activity.Seq = s.seq

	duration := s.now().Sub(activity.StartedAt)
	if duration < 0 {
		duration = 0
	}
	activity.Status = status
	activity.Duration = &duration
	activity.Attributes.Merge(extra)

	switch status {
	case domain.StatusCompleted:
		s.stats.completed++
		s.stats.totalDuration += duration
	case domain.StatusFailed:
		s.stats.failed++
	case domain.StatusCancelled:
		s.stats.cancelled++
	}

	s.history = appendBounded(s.history, *activity, s.opts.HistoryCap)
	published := activity.Clone()
	s.mu.Unlock()

	if s.opts.VerboseLogging {
		s.logger.Debug("activity ended", "id", id, "status", status, "duration", duration)
	}
	s.bus.PublishActivity(published)
}

// AddChild links two live activities. Children recorded after the parent
// has finished are dropped.
func (s *Store) AddChild(parentID, childID string) {
	if !s.enabled.Load() || parentID == "" || childID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.live[parentID]
	if !ok {
		return
	}
	if _, ok := s.live[childID]; !ok {
		return
	}
	parent.Children = append(parent.Children, childID)
}

// IngestSample appends a resource sample and notifies metrics subscribers.
func (s *Store) IngestSample(sample domain.SystemMetricSample) {
	if !s.enabled.Load() {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.seq++
	sample.Seq = s.seq
	s.samples = appendBounded(s.samples, sample, s.opts.HistoryCap)
	s.mu.Unlock()

	s.bus.PublishMetrics(sample)
}

// UpdateEntityMetrics folds delta into the named entity's rollups.
func (s *Store) UpdateEntityMetrics(name string, delta metrics.Delta) {
	s.aggregator.Update(name, delta)
}

// Live returns copies of the in-flight activities, oldest first.
func (s *Store) Live() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

// History returns the newest limit finished activities in arrival order.
// A limit <= 0 returns everything retained.
func (s *Store) History(limit int) []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(limit)
}

// Samples returns the newest limit resource samples in arrival order.
func (s *Store) Samples(limit int) []domain.SystemMetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplesLocked(limit)
}

func (s *Store) liveLocked() []domain.Activity {
	out := make([]domain.Activity, 0, len(s.live))
	for _, activity := range s.live {
		out = append(out, activity.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Activity) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) historyLocked(limit int) []domain.Activity {
	tail := lastN(s.history, limit)
	out := make([]domain.Activity, len(tail))
	for i, activity := range tail {
		out[i] = activity.Clone()
	}
	return out
}

func (s *Store) samplesLocked(limit int) []domain.SystemMetricSample {
	return append([]domain.SystemMetricSample{}, lastN(s.samples, limit)...)
}

func (s *Store) EntityMetrics() map[string]domain.EntityMetrics {
	return s.aggregator.Snapshot()
}

// Get finds an activity in the live set or in history.
func (s *Store) Get(id string) (domain.Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if activity, ok := s.live[id]; ok {
		return activity.Clone(), true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i].Clone(), true
		}
	}
	return domain.Activity{}, false
}

func (s *Store) Statistics() domain.Statistics {
	agents := s.aggregator.Len()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statisticsLocked(agents)
}

func (s *Store) statisticsLocked(agents int) domain.Statistics {
	stats := domain.Statistics{
		ActivitiesStarted:   s.stats.started,
		ActivitiesCompleted: s.stats.completed,
		ActivitiesFailed:    s.stats.failed,
		ActivitiesCancelled: s.stats.cancelled,
		TotalDuration:       s.stats.totalDuration.Seconds(),
		ActiveActivities:    len(s.live),
		TotalActivities:     len(s.history),
		SystemMetricsCount:  len(s.samples),
		AgentsMonitored:     agents,
	}
	if s.stats.completed > 0 {
		stats.AverageDuration = stats.TotalDuration / float64(s.stats.completed)
	}
	return stats
}

// Snapshot assembles the full view sent to newly attached observers. The
// live set, history, samples and counters are read under one lock so they
// agree with each other, and Seq names the last transition they include.
func (s *Store) Snapshot(historyLimit, sampleLimit int) domain.Snapshot {
	agentMetrics := s.aggregator.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Snapshot{
		Activities:       s.historyLocked(historyLimit),
		ActiveActivities: s.liveLocked(),
		Metrics:          s.samplesLocked(sampleLimit),
		AgentMetrics:     agentMetrics,
		Statistics:       s.statisticsLocked(len(agentMetrics)),
		Seq:              s.seq,
	}
}

func (s *Store) filterAttributes(attrs domain.Attributes) domain.Attributes {
	out := attrs.Clone()
	if s.filter != nil {
		out = s.filter.FilterAttributes(out)
	}
	if out == nil {
		out = domain.Attributes{}
	}
	return out
}

// appendBounded appends item and drops the oldest entries beyond limit.
// Dropped slots are zeroed so their contents can be collected.
func appendBounded[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if overflow := len(items) - limit; overflow > 0 {
		clear(items[:overflow])
		items = items[overflow:]
	}
	return items
}

func lastN[T any](items []T, limit int) []T {
	if limit <= 0 || limit >= len(items) {
		return items
	}
	return items[len(items)-limit:]
}
