package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Kind string

const (
	KindTaskAssigned    Kind = "task.assigned"
	KindTaskCompleted   Kind = "task.completed"
	KindRunFinished     Kind = "run.finished"
	KindProgressUpdated Kind = "progress.updated"
)

// Event is a notification about something the engine already committed.
// AgentID is empty for engine-wide events.
type Event struct {
	Kind    Kind            `json:"kind"`
	AgentID string          `json:"agent_id,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// New builds an event with payload marshalled to JSON.
func New(kind Kind, payload any) (Event, error) {
	ev := Event{Kind: kind, At: time.Now().UTC()}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = raw
	return ev, nil
}

// Key is the partitioning key: agent first, then run, then kind.
func (e Event) Key() string {
	switch {
	case e.AgentID != "":
		return e.AgentID
	case e.RunID != "":
		return e.RunID
	default:
		return string(e.Kind)
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout hands every event to each publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
