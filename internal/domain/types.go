package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind is the closed set of activity kinds.
type Kind string

const (
	KindAgentExecution   Kind = "agent-execution"
	KindToolExecution    Kind = "tool-execution"
	KindModelCall        Kind = "model-call"
	KindFileOperation    Kind = "file-operation"
	KindCommandExecution Kind = "command-execution"
	KindNetworkRequest   Kind = "network-request"
	KindMemoryOperation  Kind = "memory-operation"
	KindWorkflowStep     Kind = "workflow-step"
)

var Kinds = []Kind{
	KindAgentExecution,
	KindToolExecution,
	KindModelCall,
	KindFileOperation,
	KindCommandExecution,
	KindNetworkRequest,
	KindMemoryOperation,
	KindWorkflowStep,
}

var kindAliases = map[string]Kind{
	"llm-call": KindModelCall,
	"llm":      KindModelCall,
}

// ParseKind accepts the canonical names as well as underscore spellings
// ("tool_execution") and the "llm_call" alias.
func ParseKind(raw string) (Kind, bool) {
	clean := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	if alias, ok := kindAliases[clean]; ok {
		return alias, true
	}
	kind := Kind(clean)
	if slices.Contains(Kinds, kind) {
		return kind, true
	}
	return "", false
}

type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseTerminalStatus parses a status accepted by End. Empty means completed.
func ParseTerminalStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "completed":
		return StatusCompleted, true
	case "failed":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Activity is one tracked unit of work.
type Activity struct {
	ID         string
	Kind       Kind
	Label      string
	StartedAt  time.Time
	Status     Status
	Attributes Attributes
	// Duration is nil until the activity reaches a terminal status.
	Duration *time.Duration
	ParentID string
	Children []string
	// Seq is the store's commit sequence for the transition that produced
	// this copy. It orders events against snapshots and is not sent on the
	// wire.
	Seq uint64
}

func (a Activity) Clone() Activity {
	out := a
	out.Attributes = a.Attributes.Clone()
	out.Children = slices.Clone(a.Children)
	if a.Duration != nil {
		d := *a.Duration
		out.Duration = &d
	}
	return out
}

type activityJSON struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Label      string     `json:"label"`
	StartedAt  string     `json:"started_at"`
	Status     Status     `json:"status"`
	Attributes Attributes `json:"attributes"`
	Duration   *float64   `json:"duration"`
	ParentID   *string    `json:"parent_id"`
	Children   []string   `json:"children"`
}

func (a Activity) MarshalJSON() ([]byte, error) {
	wire := activityJSON{
		ID:         a.ID,
		Kind:       a.Kind,
		Label:      a.Label,
		StartedAt:  a.StartedAt.UTC().Format(time.RFC3339Nano),
		Status:     a.Status,
		Attributes: a.Attributes,
		Children:   a.Children,
	}
	if wire.Attributes == nil {
		wire.Attributes = Attributes{}
	}
	if wire.Children == nil {
		wire.Children = []string{}
	}
	if a.Duration != nil {
		seconds := a.Duration.Seconds()
		wire.Duration = &seconds
	}
	if a.ParentID != "" {
		parent := a.ParentID
		wire.ParentID = &parent
	}
	return json.Marshal(wire)
}

func (a *Activity) UnmarshalJSON(data []byte) error {
	var wire activityJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	startedAt, err := time.Parse(time.RFC3339Nano, wire.StartedAt)
	if err != nil && wire.StartedAt != "" {
		return err
	}
	*a = Activity{
		ID:         wire.ID,
		Kind:       wire.Kind,
		Label:      wire.Label,
		StartedAt:  startedAt,
		Status:     wire.Status,
		Attributes: wire.Attributes,
		Children:   wire.Children,
	}
	if a.Attributes == nil {
		a.Attributes = Attributes{}
	}
	if wire.Duration != nil {
		d := time.Duration(*wire.Duration * float64(time.Second))
		a.Duration = &d
	}
	if wire.ParentID != nil {
		a.ParentID = *wire.ParentID
	}
	return nil
}

type NetworkIO struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// SystemMetricSample is one host resource reading. Memory and disk are in
// megabytes.
type SystemMetricSample struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	DiskUsage       float64   `json:"disk_usage"`
	NetworkIO       NetworkIO `json:"network_io"`
	ActiveProcesses int       `json:"active_processes"`
	// Seq is assigned by the store on ingest.
	Seq uint64 `json:"-"`
}

// EntityMetrics are the rollups kept per named actor, usually an agent.
type EntityMetrics struct {
	AgentName           string           `json:"agent_name"`
	TasksCompleted      int64            `json:"tasks_completed"`
	TasksFailed         int64            `json:"tasks_failed"`
	AverageResponseTime float64          `json:"average_response_time"`
	ToolUsage           map[string]int64 `json:"tool_usage"`
	TokenUsage          int64            `json:"token_usage"`
}

func (m EntityMetrics) Clone() EntityMetrics {
	out := m
	out.ToolUsage = maps.Clone(m.ToolUsage)
	if out.ToolUsage == nil {
		out.ToolUsage = map[string]int64{}
	}
	return out
}

type Statistics struct {
	ActivitiesStarted   int64   `json:"activities_started"`
	ActivitiesCompleted int64   `json:"activities_completed"`
	ActivitiesFailed    int64   `json:"activities_failed"`
	ActivitiesCancelled int64   `json:"activities_cancelled"`
	TotalDuration       float64 `json:"total_duration"`
	AverageDuration     float64 `json:"average_duration"`
	ActiveActivities    int     `json:"active_activities"`
	TotalActivities     int     `json:"total_activities"`
	SystemMetricsCount  int     `json:"system_metrics_count"`
	AgentsMonitored     int     `json:"agents_monitored"`
}

// Snapshot is the full point-in-time view sent to a newly attached observer.
type Snapshot struct {
	Activities       []Activity               `json:"activities"`
	ActiveActivities []Activity               `json:"active_activities"`
	Metrics          []SystemMetricSample     `json:"metrics"`
	AgentMetrics     map[string]EntityMetrics `json:"agent_metrics"`
	Statistics       Statistics               `json:"statistics"`
	// Seq is the last store commit the snapshot reflects. Events with a Seq
	// at or below it are already included.
	Seq uint64 `json:"-"`
}
