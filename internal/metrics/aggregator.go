// Package metrics keeps per-entity rollups (task counters, a moving average
// of response time, tool and token usage) for the activity store.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
)

// Delta is one update to an entity. Any subset of fields may be set; the
// zero Delta changes nothing except creating the entity.
type Delta struct {
	TaskCompleted bool
	TaskFailed    bool
	// ResponseTime is folded into the moving average. It is discarded while
	// the entity has no completed or failed task.
	ResponseTime *time.Duration
	ToolUsed     string
	TokensUsed   int64
}

// ResponseTime is a convenience for building a Delta literal.
func ResponseTime(d time.Duration) *time.Duration {
	return &d
}

type Aggregator struct {
	mu       sync.Mutex
	enabled  func() bool
	entities map[string]*domain.EntityMetrics
}

// New returns an aggregator. enabled is consulted on every Update; a nil
// func means always enabled.
func New(enabled func() bool) *Aggregator {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Aggregator{
		enabled:  enabled,
		entities: map[string]*domain.EntityMetrics{},
	}
}

// Update applies delta to the named entity as one atomic step. Counter
// increments happen before the average is recomputed, so n in
// avg = (avg*(n-1) + sample) / n counts the task reported by this same call.
func (a *Aggregator) Update(name string, delta Delta) {
	if !a.enabled() {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entity, ok := a.entities[name]
	if !ok {
		entity = &domain.EntityMetrics{
			AgentName: name,
			ToolUsage: map[string]int64{},
		}
		a.entities[name] = entity
	}

	if delta.TaskCompleted {
		entity.TasksCompleted++
	}
	if delta.TaskFailed {
		entity.TasksFailed++
	}
	if delta.ResponseTime != nil {
		n := entity.TasksCompleted + entity.TasksFailed
		if n > 0 {
			sample := delta.ResponseTime.Seconds()
			entity.AverageResponseTime = (entity.AverageResponseTime*float64(n-1) + sample) / float64(n)
		}
	}
	if tool := strings.TrimSpace(delta.ToolUsed); tool != "" {
		entity.ToolUsage[tool]++
	}
	entity.TokenUsage += delta.TokensUsed
}

// Snapshot returns a deep copy of every entity.
func (a *Aggregator) Snapshot() map[string]domain.EntityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]domain.EntityMetrics, len(a.entities))
	for name, entity := range a.entities {
		out[name] = entity.Clone()
	}
	return out
}

func (a *Aggregator) Get(name string) (domain.EntityMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entity, ok := a.entities[name]
	if !ok {
		return domain.EntityMetrics{}, false
	}
	return entity.Clone(), true
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entities)
}
