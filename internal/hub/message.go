package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
)

type MessageType string

const (
	TypeInitialState   MessageType = "initial-state"
	TypeActivityUpdate MessageType = "activity-update"
	TypeMetricsUpdate  MessageType = "metrics-update"
	TypeHeartbeat      MessageType = "heartbeat"
)

// Message is one frame on a push stream. Exactly one payload field is set,
// matching Type.
type Message struct {
	Type     MessageType
	Snapshot *domain.Snapshot
	Activity *domain.Activity
	Sample   *domain.SystemMetricSample
	// At is the send time of a heartbeat.
	At time.Time
}

func InitialState(snapshot domain.Snapshot) Message {
	return Message{Type: TypeInitialState, Snapshot: &snapshot}
}

func ActivityUpdate(activity domain.Activity) Message {
	return Message{Type: TypeActivityUpdate, Activity: &activity}
}

func MetricsUpdate(sample domain.SystemMetricSample) Message {
	return Message{Type: TypeMetricsUpdate, Sample: &sample}
}

func Heartbeat(at time.Time) Message {
	return Message{Type: TypeHeartbeat, At: at}
}

// seq is the store sequence of the event carried, or 0 for messages that
// are not store events.
func (m Message) seq() uint64 {
	switch {
	case m.Activity != nil:
		return m.Activity.Seq
	case m.Sample != nil:
		return m.Sample.Seq
	default:
		return 0
	}
}

type heartbeatJSON struct {
	Timestamp time.Time `json:"timestamp"`
}

// Payload returns the value carried in the "data" field on the wire.
func (m Message) Payload() any {
	switch m.Type {
	case TypeInitialState:
		return m.Snapshot
	case TypeActivityUpdate:
		return m.Activity
	case TypeMetricsUpdate:
		return m.Sample
	case TypeHeartbeat:
		return heartbeatJSON{Timestamp: m.At}
	default:
		return nil
	}
}

type messageJSON struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(m.Payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{Type: m.Type, Data: data})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	out := Message{Type: wire.Type}
	var target any
	switch wire.Type {
	case TypeInitialState:
		out.Snapshot = &domain.Snapshot{}
		target = out.Snapshot
	case TypeActivityUpdate:
		out.Activity = &domain.Activity{}
		target = out.Activity
	case TypeMetricsUpdate:
		out.Sample = &domain.SystemMetricSample{}
		target = out.Sample
	case TypeHeartbeat:
		var beat heartbeatJSON
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &beat); err != nil {
				return fmt.Errorf("decode heartbeat: %w", err)
			}
		}
		out.At = beat.Timestamp
		*m = out
		return nil
	default:
		return fmt.Errorf("unknown message type %q", wire.Type)
	}
	if err := json.Unmarshal(wire.Data, target); err != nil {
		return fmt.Errorf("decode %s: %w", wire.Type, err)
	}
	*m = out
	return nil
}
