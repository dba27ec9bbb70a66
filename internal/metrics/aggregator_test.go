package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateMovingAverageMatchesMean(t *testing.T) {
	agg := New(nil)

	samples := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, sample := range samples {
		agg.Update("planner", Delta{
			TaskCompleted: i%2 == 0,
			TaskFailed:    i%2 == 1,
			ResponseTime:  ResponseTime(sample),
		})
	}

	got, ok := agg.Get("planner")
	require.True(t, ok)
	require.EqualValues(t, 2, got.TasksCompleted)
	require.EqualValues(t, 2, got.TasksFailed)
	require.InDelta(t, 0.25, got.AverageResponseTime, 1e-9)
}

func TestUpdateDiscardsResponseTimeWithoutTasks(t *testing.T) {
	agg := New(nil)

	agg.Update("coder", Delta{ResponseTime: ResponseTime(time.Second)})
	got, ok := agg.Get("coder")
	require.True(t, ok)
	require.Zero(t, got.AverageResponseTime)

	agg.Update("coder", Delta{TaskCompleted: true, ResponseTime: ResponseTime(2 * time.Second)})
	got, _ = agg.Get("coder")
	require.InDelta(t, 2.0, got.AverageResponseTime, 1e-9)
}

func TestUpdateToolAndTokenUsage(t *testing.T) {
	agg := New(nil)

	agg.Update("coder", Delta{ToolUsed: "grep"})
	agg.Update("coder", Delta{ToolUsed: "grep", TokensUsed: 120})
	agg.Update("coder", Delta{ToolUsed: "edit", TokensUsed: 30})

	got, _ := agg.Get("coder")
	require.Equal(t, map[string]int64{"grep": 2, "edit": 1}, got.ToolUsage)
	require.EqualValues(t, 150, got.TokenUsage)
}

func TestUpdateDisabledHasNoEffect(t *testing.T) {
	agg := New(func() bool { return false })

	agg.Update("coder", Delta{TaskCompleted: true, ToolUsed: "grep"})

	require.Zero(t, agg.Len())
	require.Empty(t, agg.Snapshot())
}

func TestSnapshotIsDetached(t *testing.T) {
	agg := New(nil)
	agg.Update("coder", Delta{ToolUsed: "grep"})

	snap := agg.Snapshot()
	entity := snap["coder"]
	entity.ToolUsage["grep"] = 99
	entity.TasksCompleted = 42

	got, _ := agg.Get("coder")
	require.EqualValues(t, 1, got.ToolUsage["grep"])
	require.Zero(t, got.TasksCompleted)
}

func TestUpdateConcurrent(t *testing.T) {
	agg := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Update("worker", Delta{TaskCompleted: true, ResponseTime: ResponseTime(time.Second), TokensUsed: 1})
		}()
	}
	wg.Wait()

	got, _ := agg.Get("worker")
	require.EqualValues(t, 50, got.TasksCompleted)
	require.EqualValues(t, 50, got.TokenUsage)
	require.InDelta(t, 1.0, got.AverageResponseTime, 1e-9)
}
