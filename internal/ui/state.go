package ui

import (
	"sort"
	"strings"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
)

const recentLimit = 200

// state is what the viewer knows about the server, rebuilt from each
// initial-state and advanced by every update after it.
type state struct {
	live    map[string]domain.Activity
	recent  []domain.Activity
	sample  *domain.SystemMetricSample
	agents  map[string]domain.EntityMetrics
	stats   domain.Statistics
	updates int
}

func newState() *state {
	return &state{
		live:   map[string]domain.Activity{},
		agents: map[string]domain.EntityMetrics{},
	}
}

func (s *state) apply(msg hub.Message) {
	switch msg.Type {
	case hub.TypeInitialState:
		if msg.Snapshot == nil {
			return
		}
		s.reset(*msg.Snapshot)
	case hub.TypeActivityUpdate:
		if msg.Activity == nil {
			return
		}
		s.applyActivity(*msg.Activity)
	case hub.TypeMetricsUpdate:
		if msg.Sample == nil {
			return
		}
		sample := *msg.Sample
		s.sample = &sample
		s.stats.SystemMetricsCount++
	}
	s.updates++
}

func (s *state) reset(snapshot domain.Snapshot) {
	s.live = make(map[string]domain.Activity, len(snapshot.ActiveActivities))
	for _, activity := range snapshot.ActiveActivities {
		s.live[activity.ID] = activity
	}
	s.recent = append([]domain.Activity(nil), snapshot.Activities...)
	s.sample = nil
	if n := len(snapshot.Metrics); n > 0 {
		sample := snapshot.Metrics[n-1]
		s.sample = &sample
	}
	s.agents = snapshot.AgentMetrics
	if s.agents == nil {
		s.agents = map[string]domain.EntityMetrics{}
	}
	s.stats = snapshot.Statistics
}

// applyActivity mirrors the server's counters so the header stays current
// without polling. A terminal update for an id the viewer never saw start
// is still counted. Updates for ids already finished are ignored, so a
// repeated event cannot count twice or bring an activity back to life.
func (s *state) applyActivity(activity domain.Activity) {
	if s.finished(activity.ID) {
		return
	}
	if !activity.Status.Terminal() {
		if _, seen := s.live[activity.ID]; !seen {
			s.stats.ActivitiesStarted++
		}
		s.live[activity.ID] = activity
		s.stats.ActiveActivities = len(s.live)
		return
	}

	delete(s.live, activity.ID)
	s.recent = append(s.recent, activity)
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
	switch activity.Status {
	case domain.StatusCompleted:
		s.stats.ActivitiesCompleted++
		if activity.Duration != nil {
			s.stats.TotalDuration += activity.Duration.Seconds()
		}
	case domain.StatusFailed:
		s.stats.ActivitiesFailed++
	case domain.StatusCancelled:
		s.stats.ActivitiesCancelled++
	}
	if s.stats.ActivitiesCompleted > 0 {
		s.stats.AverageDuration = s.stats.TotalDuration / float64(s.stats.ActivitiesCompleted)
	}
	s.stats.ActiveActivities = len(s.live)
	s.stats.TotalActivities++
}

func (s *state) finished(id string) bool {
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].ID == id {
			return true
		}
	}
	return false
}

// liveSorted returns live activities oldest first, optionally keeping only
// those whose label or kind contains filter.
func (s *state) liveSorted(filter string) []domain.Activity {
	filter = strings.ToLower(strings.TrimSpace(filter))
	out := make([]domain.Activity, 0, len(s.live))
	for _, activity := range s.live {
		if matches(activity, filter) {
			out = append(out, activity)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// recentNewest returns up to limit finished activities, newest first.
func (s *state) recentNewest(filter string, limit int) []domain.Activity {
	filter = strings.ToLower(strings.TrimSpace(filter))
	var out []domain.Activity
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if matches(s.recent[i], filter) {
			out = append(out, s.recent[i])
		}
	}
	return out
}

func matches(activity domain.Activity, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(activity.Label), filter) ||
		strings.Contains(string(activity.Kind), filter)
}
