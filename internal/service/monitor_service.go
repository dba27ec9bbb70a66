package service

import (
	"math"
	"strings"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/metrics"
	"github.com/bcrosbie/activityhub/internal/monitor"
)

// MonitorService validates requests from the transports before they reach
// the store. The store itself never rejects input, so this is the only
// place a caller can get an error back.
type MonitorService struct {
	store     *monitor.Store
	hub       *hub.Hub
	startedAt time.Time
}

// NewMonitorService wires the service to a store. hub may be nil when push
// mode is not served.
func NewMonitorService(store *monitor.Store, fanout *hub.Hub) *MonitorService {
	return &MonitorService{
		store:     store,
		hub:       fanout,
		startedAt: time.Now(),
	}
}

type BeginActivityRequest struct {
	Kind       string         `json:"kind"`
	Label      string         `json:"label"`
	Attributes map[string]any `json:"attributes"`
	ParentID   string         `json:"parent_id"`
}

type BeginActivityResponse struct {
	// ID is empty when monitoring is disabled. Passing it back to
	// EndActivity is harmless.
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type EndActivityRequest struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes"`
}

type AddChildRequest struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

type UpdateEntityMetricsRequest struct {
	AgentName     string `json:"agent_name"`
	TaskCompleted bool   `json:"task_completed"`
	TaskFailed    bool   `json:"task_failed"`
	// ResponseTime is in seconds; nil leaves the average untouched.
	ResponseTime *float64 `json:"response_time"`
	ToolUsed     string   `json:"tool_used"`
	TokensUsed   int64    `json:"tokens_used"`
}

type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *MonitorService) Health() map[string]any {
	health := map[string]any{
		"status":         "ok",
		"enabled":        s.store.Enabled(),
		"time_utc":       time.Now().UTC().Format(time.RFC3339Nano),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
	if s.hub != nil {
		health["connections"] = s.hub.Stats().Connections
	}
	return health
}

func (s *MonitorService) BeginActivity(request BeginActivityRequest) (BeginActivityResponse, error) {
	kind, ok := domain.ParseKind(request.Kind)
	if !ok {
		return BeginActivityResponse{}, domain.InvalidArgumentf("kind must be one of: %s", kindList())
	}
	label := strings.TrimSpace(request.Label)
	if label == "" {
		return BeginActivityResponse{}, domain.InvalidArgument("label is required")
	}

	id := s.store.Begin(kind, label, domain.AttributesOf(request.Attributes), strings.TrimSpace(request.ParentID))
	if id != "" && request.ParentID != "" {
		s.store.AddChild(strings.TrimSpace(request.ParentID), id)
	}
	return BeginActivityResponse{ID: id, Enabled: s.store.Enabled()}, nil
}

// EndActivity accepts empty and unknown ids as no-ops so that callers can
// pass back whatever BeginActivity returned.
func (s *MonitorService) EndActivity(request EndActivityRequest) error {
	status, ok := domain.ParseTerminalStatus(request.Status)
	if !ok {
		return domain.InvalidArgument("status must be one of: completed, failed, cancelled")
	}
	s.store.End(strings.TrimSpace(request.ID), status, domain.AttributesOf(request.Attributes))
	return nil
}

func (s *MonitorService) AddChild(request AddChildRequest) error {
	parent := strings.TrimSpace(request.ParentID)
	child := strings.TrimSpace(request.ChildID)
	if parent == "" || child == "" {
		return domain.InvalidArgument("parent_id and child_id are required")
	}
	s.store.AddChild(parent, child)
	return nil
}

func (s *MonitorService) IngestSample(sample domain.SystemMetricSample) error {
	for name, value := range map[string]float64{
		"cpu_usage":    sample.CPUUsage,
		"memory_usage": sample.MemoryUsage,
		"disk_usage":   sample.DiskUsage,
	} {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return domain.InvalidArgumentf("%s must be a non-negative number", name)
		}
	}
	if sample.ActiveProcesses < 0 {
		return domain.InvalidArgument("active_processes must be non-negative")
	}
	s.store.IngestSample(sample)
	return nil
}

func (s *MonitorService) UpdateEntityMetrics(request UpdateEntityMetricsRequest) error {
	name := strings.TrimSpace(request.AgentName)
	if name == "" {
		return domain.InvalidArgument("agent_name is required")
	}
	if request.TaskCompleted && request.TaskFailed {
		return domain.InvalidArgument("task_completed and task_failed are mutually exclusive")
	}
	if request.TokensUsed < 0 {
		return domain.InvalidArgument("tokens_used must be non-negative")
	}

	delta := metrics.Delta{
		TaskCompleted: request.TaskCompleted,
		TaskFailed:    request.TaskFailed,
		ToolUsed:      strings.TrimSpace(request.ToolUsed),
		TokensUsed:    request.TokensUsed,
	}
	if request.ResponseTime != nil {
		seconds := *request.ResponseTime
		if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return domain.InvalidArgument("response_time must be a non-negative number of seconds")
		}
		delta.ResponseTime = metrics.ResponseTime(time.Duration(seconds * float64(time.Second)))
	}
	s.store.UpdateEntityMetrics(name, delta)
	return nil
}

func (s *MonitorService) Enabled() bool {
	return s.store.Enabled()
}

func (s *MonitorService) SetEnabled(request SetEnabledRequest) map[string]any {
	s.store.SetEnabled(request.Enabled)
	return map[string]any{"enabled": s.store.Enabled()}
}

// RecentActivities returns the newest finished activities, oldest first. A
// zero limit means the default of 50.
func (s *MonitorService) RecentActivities(limit int64) ([]domain.Activity, error) {
	n, err := resolveLimit(limit, monitor.DefaultRecentLimit)
	if err != nil {
		return nil, err
	}
	return s.store.History(n), nil
}

func (s *MonitorService) LiveActivities() []domain.Activity {
	return s.store.Live()
}

// Samples returns the newest resource samples. A zero limit means the
// default of 100.
func (s *MonitorService) Samples(limit int64) ([]domain.SystemMetricSample, error) {
	n, err := resolveLimit(limit, monitor.DefaultSampleLimit)
	if err != nil {
		return nil, err
	}
	return s.store.Samples(n), nil
}

func (s *MonitorService) EntityMetrics() map[string]domain.EntityMetrics {
	return s.store.EntityMetrics()
}

func (s *MonitorService) Statistics() domain.Statistics {
	return s.store.Statistics()
}

func (s *MonitorService) Snapshot() domain.Snapshot {
	return s.store.Snapshot(monitor.DefaultRecentLimit, monitor.DefaultSampleLimit)
}

func (s *MonitorService) GetActivity(id string) (domain.Activity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Activity{}, domain.InvalidArgument("id is required")
	}
	activity, ok := s.store.Get(id)
	if !ok {
		return domain.Activity{}, domain.NotFound("activity not found")
	}
	return activity, nil
}

func resolveLimit(limit int64, fallback int) (int, error) {
	switch {
	case limit < 0:
		return 0, domain.InvalidArgument("limit must be non-negative")
	case limit == 0:
		return fallback, nil
	case limit > math.MaxInt32:
		return math.MaxInt32, nil
	default:
		return int(limit), nil
	}
}

func kindList() string {
	names := make([]string, len(domain.Kinds))
	for i, kind := range domain.Kinds {
		names[i] = string(kind)
	}
	return strings.Join(names, ", ")
}
