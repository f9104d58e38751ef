// Package protocol defines the contracts between the scheduling engine and
// the composable units it drives: nodes (tasks and compositions of tasks)
// and behaviors (pluggable domain resource bodies).
package protocol

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/fabsim/fabsim/pkg/eventbus"
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/pool"
	"github.com/fabsim/fabsim/pkg/sim"
)

// DoneFunc receives the result of a node once it finishes, successfully or
// not. It runs on the engine loop.
type DoneFunc func(models.ProcessResult)

// Node is a schedulable unit of work: a single task, a chain, a group or a
// whole workflow graph. Start must not block; suspension is expressed by
// scheduling continuations on the engine and invoking done later.
type Node interface {
	ID() string
	Name() string
	Start(ctx context.Context, ectx *ExecutionContext, input any, done DoneFunc)
}

// ExecutionContext carries the engine-owned collaborators a node needs
// while executing. It is built once per run and shared by every node in the
// composition; nothing here is a process-wide singleton.
type ExecutionContext struct {
	RunID  string
	Engine *sim.Engine
	Pools  *pool.Set
	Events eventbus.EventPublisher // nil disables publishing
	Logger *slog.Logger
	Rand   *rand.Rand // seeded; sole randomness source for reproducible runs
}

// Publish emits an event when a bus is attached. Publishing is best-effort:
// a broken collaborator must never fail the simulation.
func (ec *ExecutionContext) Publish(ctx context.Context, key string, event eventbus.Event) {
	if ec.Events == nil {
		return
	}
	if err := ec.Events.Publish(ctx, key, event); err != nil {
		ec.Logger.Warn("event publish failed", "event_type", event.GetType(), "error", err)
	}
}

// Behavior is a domain resource body (machine, worker, transport, buffer)
// invoked as the opaque run step of a task. Operate must schedule its own
// virtual-time delays through ectx.Engine and call done exactly once; the
// engine never inspects what happens in between.
type Behavior interface {
	Operate(ctx context.Context, ectx *ExecutionContext, duration sim.Time, done func(error))
	Status() models.BehaviorStatus
}

// BehaviorFactory builds behaviors from scenario configuration.
type BehaviorFactory interface {
	Create(config map[string]any) (Behavior, error)
	ID() string
	Description() string
}
