// Package fleet layers a task/event exchange on top of mesh publish:
// dispatchers flood tasks to workers, workers flood back events describing
// the outcome. Payloads are JSON so heterogeneous workers can extend
// params and fields without wire changes.
package fleet

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message kinds used on the mesh.
const (
	KindTask  = "fleet.task"
	KindEvent = "fleet.event"
)

// Event kinds emitted by workers.
const (
	EventTaskAccepted  = "task.accepted"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// Task is one unit of scheduled work, addressed by kind. Entity ties the
// task to the application object it operates on.
type Task struct {
	ID     uuid.UUID      `json:"id"`
	Entity uuid.UUID      `json:"entity"`
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

func NewTask(entity uuid.UUID, kind string, params map[string]any) Task {
	return Task{
		ID:     uuid.New(),
		Entity: entity,
		Kind:   kind,
		Params: params,
	}
}

// Event reports a task outcome or any other worker-side occurrence.
type Event struct {
	ID     uuid.UUID      `json:"id"`
	Kind   string         `json:"kind"`
	Entity uuid.UUID      `json:"entity"`
	Fields map[string]any `json:"fields"`
}

// NewEvent builds an event with its fields taken from any
// JSON-serializable value that encodes to an object.
func NewEvent(kind string, entity uuid.UUID, fields any) (Event, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return Event{}, fmt.Errorf("encode event fields: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Event{}, fmt.Errorf("event fields are not an object: %w", err)
	}

	return Event{
		ID:     uuid.New(),
		Kind:   kind,
		Entity: entity,
		Fields: m,
	}, nil
}
