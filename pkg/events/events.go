// Package events defines the event types published over the simulation's
// event bus for statistics and reporting collaborators.
package events

import (
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/pool"
	"github.com/fabsim/fabsim/pkg/sim"
)

type EventType string

const Topic = "fabsim.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	TaskStartedEvent        EventType = "task.started"
	TaskCompletedEvent      EventType = "task.completed"
	TaskFailedEvent         EventType = "task.failed"
	ResourceGrantedEvent    EventType = "resource.granted"
	ResourceReleasedEvent   EventType = "resource.released"
	SyncTimeoutEvent        EventType = "sync.timeout"
	SimulationFinishedEvent EventType = "simulation.finished"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	RunID       string         `json:"run_id"`
	VirtualTime sim.Time       `json:"virtual_time"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type TaskStarted struct {
	BaseEvent

	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	Priority int    `json:"priority"`
}

func (e TaskStarted) GetType() EventType { return TaskStartedEvent }

type TaskCompleted struct {
	BaseEvent

	Result models.ProcessResult `json:"result"`
}

func (e TaskCompleted) GetType() EventType { return TaskCompletedEvent }

type TaskFailed struct {
	BaseEvent

	Result models.ProcessResult `json:"result"`
}

func (e TaskFailed) GetType() EventType { return TaskFailedEvent }

type ResourceGranted struct {
	BaseEvent

	Requester  string  `json:"requester"`
	ResourceID string  `json:"resource_id"`
	Amount     float64 `json:"amount"`
}

func (e ResourceGranted) GetType() EventType { return ResourceGrantedEvent }

type ResourceReleased struct {
	BaseEvent

	Requester  string  `json:"requester"`
	ResourceID string  `json:"resource_id"`
	Amount     float64 `json:"amount"`
}

func (e ResourceReleased) GetType() EventType { return ResourceReleasedEvent }

type SyncTimeout struct {
	BaseEvent

	SyncID    string   `json:"sync_id"`
	Completed int      `json:"completed"`
	Expected  int      `json:"expected"`
	Timeout   sim.Time `json:"timeout"`
}

func (e SyncTimeout) GetType() EventType { return SyncTimeoutEvent }

type SimulationFinished struct {
	BaseEvent

	Horizon sim.Time      `json:"horizon"`
	Pools   []pool.Status `json:"pools"`
}

func (e SimulationFinished) GetType() EventType { return SimulationFinishedEvent }
