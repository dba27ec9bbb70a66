package monitor

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bcrosbie/activityhub/internal/bus"
	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	next := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("act-%d", next)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, clock *fakeClock, mutate func(*Options)) *Store {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	logger := quietLogger()
	return New(bus.New(logger), opts,
		WithLogger(logger),
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs()),
	)
}

func historyIDs(items []domain.Activity) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestBeginEndMovesActivityToHistory(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	id := store.Begin(domain.KindToolExecution, "fetch", domain.Attributes{}, "")
	require.NotEmpty(t, id)
	clock.Advance(250 * time.Millisecond)
	store.End(id, domain.StatusCompleted, domain.Attributes{"duration_hint": domain.String("irrelevant")})

	require.Empty(t, store.Live())
	history := store.History(0)
	require.Len(t, history, 1)

	got := history[0]
	require.Equal(t, id, got.ID)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.Duration)
	require.Equal(t, 250*time.Millisecond, *got.Duration)
	require.Equal(t, domain.String("irrelevant"), got.Attributes["duration_hint"])
}

func TestActivityIsEitherLiveOrInHistory(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, store.Begin(domain.KindWorkflowStep, fmt.Sprintf("step %d", i), nil, ""))
		clock.Advance(time.Millisecond)
	}
	for i, id := range ids {
		if i%3 == 0 {
			store.End(id, domain.StatusFailed, nil)
		}
	}

	live := map[string]bool{}
	for _, activity := range store.Live() {
		live[activity.ID] = true
	}
	finished := map[string]bool{}
	for _, activity := range store.History(0) {
		finished[activity.ID] = true
	}
	for _, id := range ids {
		require.NotEqual(t, live[id], finished[id], "activity %s must be in exactly one place", id)
	}
	require.Len(t, finished, 4)
	require.Len(t, live, 6)
}

func TestEndTwiceKeepsFirstDuration(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	id := store.Begin(domain.KindModelCall, "LLM: test", nil, "")
	live := store.Live()
	require.Len(t, live, 1)
	require.Nil(t, live[0].Duration)

	clock.Advance(time.Second)
	store.End(id, domain.StatusCompleted, nil)
	clock.Advance(time.Minute)
	store.End(id, domain.StatusFailed, domain.Attributes{"late": domain.Bool(true)})

	got, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, time.Second, *got.Duration)
	require.NotContains(t, got.Attributes, "late")

	stats := store.Statistics()
	require.EqualValues(t, 1, stats.ActivitiesCompleted)
	require.Zero(t, stats.ActivitiesFailed)
}

func TestHistoryCapEvictsOldestFirst(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, func(o *Options) { o.HistoryCap = 3 })

	var ids []string
	for i := 0; i < 5; i++ {
		id := store.Begin(domain.KindFileOperation, "write", nil, "")
		store.End(id, domain.StatusCompleted, nil)
		ids = append(ids, id)
	}

	require.Equal(t, ids[2:], historyIDs(store.History(0)))
	require.Equal(t, ids[3:], historyIDs(store.History(2)))
	require.Equal(t, 3, store.Statistics().TotalActivities)
	require.EqualValues(t, 5, store.Statistics().ActivitiesCompleted)
}

func TestSamplesAreBounded(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, func(o *Options) { o.HistoryCap = 4 })

	for i := 1; i <= 6; i++ {
		store.IngestSample(domain.SystemMetricSample{ActiveProcesses: i})
	}

	samples := store.Samples(0)
	require.Len(t, samples, 4)
	for i, sample := range samples {
		require.Equal(t, i+3, sample.ActiveProcesses)
		require.Equal(t, clock.Now(), sample.Timestamp)
	}
	require.Len(t, store.Samples(1), 1)
	require.Equal(t, 6, store.Samples(1)[0].ActiveProcesses)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, func(o *Options) { o.Enabled = false })

	var notifications int
	store.Bus().SubscribeActivity(func(domain.Activity) { notifications++ })
	store.Bus().SubscribeMetrics(func(domain.SystemMetricSample) { notifications++ })

	id := store.Begin(domain.KindAgentExecution, "planner", nil, "")
	require.Empty(t, id)
	store.End(id, domain.StatusCompleted, nil)
	store.IngestSample(domain.SystemMetricSample{CPUUsage: 12})
	store.UpdateEntityMetrics("planner", metrics.Delta{TaskCompleted: true})

	require.Zero(t, notifications)
	require.Empty(t, store.History(0))
	require.Empty(t, store.Samples(0))
	require.Empty(t, store.EntityMetrics())
	require.Equal(t, domain.Statistics{}, store.Statistics())

	store.SetEnabled(true)
	require.NotEmpty(t, store.Begin(domain.KindAgentExecution, "planner", nil, ""))
	require.Equal(t, 1, notifications)
}

func TestEndWhileDisabledLeavesActivityLive(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	id := store.Begin(domain.KindCommandExecution, "ls", nil, "")
	store.SetEnabled(false)
	store.End(id, domain.StatusCompleted, nil)
	store.SetEnabled(true)

	require.Len(t, store.Live(), 1)
	require.Empty(t, store.History(0))
}

func TestEndUnknownIDIsIgnored(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	store.End("missing", domain.StatusCompleted, nil)
	store.End("", domain.StatusFailed, nil)

	require.Equal(t, domain.Statistics{}, store.Statistics())
}

func TestEndCoercesNonTerminalStatus(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	id := store.Begin(domain.KindToolExecution, "grep", nil, "")
	store.End(id, domain.StatusStarted, nil)

	got, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, got.Status)
}

func TestAddChildRequiresBothLive(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	parent := store.Begin(domain.KindAgentExecution, "planner", nil, "")
	child := store.Begin(domain.KindToolExecution, "grep", nil, parent)
	store.AddChild(parent, child)
	store.AddChild(parent, "missing")

	store.End(parent, domain.StatusCompleted, nil)
	late := store.Begin(domain.KindToolExecution, "edit", nil, parent)
	store.AddChild(parent, late)

	got, ok := store.Get(parent)
	require.True(t, ok)
	require.Equal(t, []string{child}, got.Children)

	childActivity, ok := store.Get(child)
	require.True(t, ok)
	require.Equal(t, parent, childActivity.ParentID)
}

func TestStatisticsCountsOutcomes(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	finish := func(status domain.Status, d time.Duration) {
		id := store.Begin(domain.KindToolExecution, "tool", nil, "")
		clock.Advance(d)
		store.End(id, status, nil)
	}
	finish(domain.StatusCompleted, time.Second)
	finish(domain.StatusCompleted, 3*time.Second)
	finish(domain.StatusFailed, 10*time.Second)
	finish(domain.StatusCancelled, 10*time.Second)
	store.Begin(domain.KindToolExecution, "still running", nil, "")
	store.IngestSample(domain.SystemMetricSample{})
	store.UpdateEntityMetrics("planner", metrics.Delta{ToolUsed: "grep"})

	want := domain.Statistics{
		ActivitiesStarted:   5,
		ActivitiesCompleted: 2,
		ActivitiesFailed:    1,
		ActivitiesCancelled: 1,
		TotalDuration:       4,
		AverageDuration:     2,
		ActiveActivities:    1,
		TotalActivities:     4,
		SystemMetricsCount:  1,
		AgentsMonitored:     1,
	}
	if diff := cmp.Diff(want, store.Statistics()); diff != "" {
		t.Fatalf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestNotificationsFollowLifecycleOrder(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	var events []string
	store.Bus().SubscribeActivity(func(a domain.Activity) {
		events = append(events, a.ID+":"+string(a.Status))
	})

	a := store.Begin(domain.KindToolExecution, "a", nil, "")
	b := store.Begin(domain.KindToolExecution, "b", nil, "")
	store.End(b, domain.StatusFailed, nil)
	store.End(a, domain.StatusCompleted, nil)

	require.Equal(t, []string{
		a + ":started",
		b + ":started",
		b + ":failed",
		a + ":completed",
	}, events)
}

func TestNotificationsRunOutsideLock(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	var seen []int
	store.Bus().SubscribeActivity(func(domain.Activity) {
		// Reading the store from a subscriber would deadlock if the lock
		// were still held.
		seen = append(seen, len(store.Live()))
	})

	id := store.Begin(domain.KindToolExecution, "a", nil, "")
	store.End(id, domain.StatusCompleted, nil)

	require.Equal(t, []int{1, 0}, seen)
}

func TestReadersReturnCopies(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	id := store.Begin(domain.KindToolExecution, "grep", domain.Attributes{"pattern": domain.String("foo")}, "")

	live := store.Live()
	live[0].Attributes["pattern"] = domain.String("mutated")
	live[0].Label = "mutated"

	got, _ := store.Get(id)
	require.Equal(t, "grep", got.Label)
	require.Equal(t, domain.String("foo"), got.Attributes["pattern"])

	store.End(id, domain.StatusCompleted, nil)
	history := store.History(0)
	*history[0].Duration = time.Hour

	got, _ = store.Get(id)
	require.Zero(t, *got.Duration)
}

type upperFilter struct{}

func (upperFilter) FilterAttributes(attrs domain.Attributes) domain.Attributes {
	for key, value := range attrs {
		if s, ok := value.AsString(); ok {
			attrs[key] = domain.String(strings.ToUpper(s))
		}
	}
	return attrs
}

func TestAttributeFilterAppliesToBeginAndEnd(t *testing.T) {
	clock := newFakeClock()
	store := New(nil, DefaultOptions(), WithClock(clock.Now), WithAttributeFilter(upperFilter{}), WithLogger(quietLogger()))

	input := domain.Attributes{"token": domain.String("abc")}
	id := store.Begin(domain.KindNetworkRequest, "GET /", input, "")
	store.End(id, domain.StatusCompleted, domain.Attributes{"result": domain.String("ok")})

	got, _ := store.Get(id)
	require.Equal(t, domain.String("ABC"), got.Attributes["token"])
	require.Equal(t, domain.String("OK"), got.Attributes["result"])
	require.Equal(t, domain.String("abc"), input["token"])
}

func TestSnapshotCombinesViews(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	for i := 0; i < 4; i++ {
		id := store.Begin(domain.KindToolExecution, "done", nil, "")
		store.End(id, domain.StatusCompleted, nil)
		store.IngestSample(domain.SystemMetricSample{ActiveProcesses: i})
	}
	live := store.Begin(domain.KindAgentExecution, "planner", nil, "")
	store.UpdateEntityMetrics("planner", metrics.Delta{TokensUsed: 10})

	snap := store.Snapshot(2, 3)

	require.Len(t, snap.Activities, 2)
	require.Len(t, snap.Metrics, 3)
	require.Equal(t, 1, snap.Metrics[0].ActiveProcesses)
	require.Len(t, snap.ActiveActivities, 1)
	require.Equal(t, live, snap.ActiveActivities[0].ID)
	require.EqualValues(t, 10, snap.AgentMetrics["planner"].TokenUsage)
	require.Equal(t, 4, snap.Statistics.TotalActivities)
	require.Equal(t, 1, snap.Statistics.AgentsMonitored)
}

func TestConcurrentBeginEnd(t *testing.T) {
	store := New(nil, DefaultOptions(), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := store.Begin(domain.KindToolExecution, "work", nil, "")
				store.End(id, domain.StatusCompleted, nil)
			}
		}()
	}
	wg.Wait()

	stats := store.Statistics()
	require.EqualValues(t, 640, stats.ActivitiesStarted)
	require.EqualValues(t, 640, stats.ActivitiesCompleted)
	require.Zero(t, stats.ActiveActivities)
	require.Len(t, store.History(0), 640)
}

func TestSnapshotNeverShowsActivityTwice(t *testing.T) {
	store := New(nil, DefaultOptions(), WithLogger(quietLogger()))

	stop := make(chan struct{})
	var writers sync.WaitGroup
	for i := 0; i < 8; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for j := 0; j < 200; j++ {
				id := store.Begin(domain.KindToolExecution, "work", nil, "")
				store.End(id, domain.StatusCompleted, nil)
			}
		}()
	}

	readerErr := make(chan error, 1)
	go func() {
		defer close(readerErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snapshot := store.Snapshot(0, 0)
			live := map[string]bool{}
			for _, activity := range snapshot.ActiveActivities {
				live[activity.ID] = true
			}
			for _, activity := range snapshot.Activities {
				if live[activity.ID] {
					readerErr <- fmt.Errorf("activity %s is both live and finished", activity.ID)
					return
				}
			}
			if got := int64(len(snapshot.ActiveActivities)); got != snapshot.Statistics.ActivitiesStarted-snapshot.Statistics.ActivitiesCompleted {
				readerErr <- fmt.Errorf("live count %d disagrees with counters %+v", got, snapshot.Statistics)
				return
			}
		}
	}()

	writers.Wait()
	close(stop)
	require.NoError(t, <-readerErr)
	require.Empty(t, store.Snapshot(0, 0).ActiveActivities)
}

func TestNotificationsKeepCommitOrderAcrossGoroutines(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var gate sync.Once
	store.Bus().SubscribeActivity(func(a domain.Activity) {
		if a.Status == domain.StatusStarted {
			gate.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	var mu sync.Mutex
	var seen []string
	store.Bus().SubscribeActivity(func(a domain.Activity) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, a.ID+":"+string(a.Status))
	})

	began := make(chan string, 1)
	go func() { began <- store.Begin(domain.KindToolExecution, "slow start", nil, "") }()
	<-entered

	// The activity is already committed, so another caller can find and end
	// it while the start notification is still being delivered.
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		live := store.Live()
		if len(live) == 1 {
			store.End(live[0].ID, domain.StatusCancelled, nil)
		}
	}()
	require.Never(t, func() bool {
		select {
		case <-ended:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	id := <-began
	<-ended

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{id + ":started", id + ":cancelled"}, seen)
}

func TestSnapshotSeqCoversCommittedTransitions(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil)

	var seqs []uint64
	store.Bus().SubscribeActivity(func(a domain.Activity) { seqs = append(seqs, a.Seq) })
	store.Bus().SubscribeMetrics(func(s domain.SystemMetricSample) { seqs = append(seqs, s.Seq) })

	id := store.Begin(domain.KindToolExecution, "a", nil, "")
	store.IngestSample(domain.SystemMetricSample{CPUUsage: 1})
	store.End(id, domain.StatusCompleted, nil)

	require.Equal(t, []uint64{1, 2, 3}, seqs)
	require.EqualValues(t, 3, store.Snapshot(0, 0).Seq)
}
