// Package process implements the task: a unit of cooperative work with a
// resource contract, a priority and a suspendable body, driven through its
// lifecycle by the virtual clock.
package process

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fabsim/fabsim/pkg/events"
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/pool"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

var validate = validator.New()

// Precondition gates execution on the task's input.
type Precondition func(input any) bool

// Task executes in four steps, each a potential suspension point: validate
// the contract, acquire the declared resources, run the body for Duration
// of virtual time, produce the declared outputs. Side effects are confined
// to the pools named in Requirements and Outputs.
type Task struct {
	TaskID        string                       `validate:"required"`
	TaskName      string                       `validate:"required"`
	Priority      int                          `validate:"min=1,max=10"`
	Duration      sim.Time                     `validate:"gte=0"`
	Preconditions []Precondition               `validate:"-"`
	Requirements  []models.ResourceRequirement `validate:"dive"`
	Outputs       []*models.Resource           `validate:"dive"`
	Behavior      protocol.Behavior            `validate:"-"`

	state models.TaskState
}

// New builds a task with default priority 5. Fields are exported for
// literal construction in scenarios; Validate catches bad contracts before
// a run starts.
func New(id, name string, duration sim.Time) *Task {
	return &Task{
		TaskID:   id,
		TaskName: name,
		Priority: 5,
		Duration: duration,
		state:    models.TaskStateCreated,
	}
}

// WithPriority sets the scheduling priority (1 is most urgent, 10 least).
func (t *Task) WithPriority(p int) *Task {
	t.Priority = p
	return t
}

// Require appends a resource requirement.
func (t *Task) Require(kind models.ResourceKind, name string, quantity float64, mandatory bool) *Task {
	t.Requirements = append(t.Requirements, models.ResourceRequirement{
		Kind: kind, Name: name, Quantity: quantity, Mandatory: mandatory,
	})
	return t
}

// Produce appends an output declaration, emitted into the pools when the
// task completes.
func (t *Task) Produce(res *models.Resource) *Task {
	t.Outputs = append(t.Outputs, res)
	return t
}

// When appends an execution precondition.
func (t *Task) When(cond Precondition) *Task {
	t.Preconditions = append(t.Preconditions, cond)
	return t
}

// WithBehavior attaches a domain resource body invoked during the run step.
func (t *Task) WithBehavior(b protocol.Behavior) *Task {
	t.Behavior = b
	return t
}

func (t *Task) ID() string   { return t.TaskID }
func (t *Task) Name() string { return t.TaskName }

// State returns the task's current lifecycle state.
func (t *Task) State() models.TaskState { return t.state }

// SchedulingPriority exposes the priority to compositions that interleave
// same-timestamp members.
func (t *Task) SchedulingPriority() int { return t.Priority }

// EstimatedDuration is the nominal run time, used for critical path
// analysis on graphs.
func (t *Task) EstimatedDuration() sim.Time { return t.Duration }

// Validate checks the static contract.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("task %s: %w", t.TaskID, err)
	}
	for _, rr := range t.Requirements {
		if !rr.Kind.Valid() {
			return fmt.Errorf("task %s: requirement %s has unknown kind", t.TaskID, rr)
		}
	}
	return nil
}

// Start drives the task through validate, acquire, run and produce. It
// never blocks; waiting is expressed as pool suspensions and virtual-time
// delays, and done fires on the engine loop when the task settles.
func (t *Task) Start(ctx context.Context, ectx *protocol.ExecutionContext, input any, done protocol.DoneFunc) {
	logger := ectx.Logger.With("task", t.TaskID)
	startedAt := ectx.Engine.Now()

	t.state = models.TaskStateValidating

	fail := func(err error) {
		t.state = models.TaskStateFailed
		result := models.Failure(t.TaskID, t.TaskName, ectx.Engine.Now(), err)
		result.StartedAt = startedAt
		result.Duration = result.EndedAt - startedAt
		logger.Warn("task failed", "at", float64(result.EndedAt), "error", err)
		ectx.Publish(ctx, t.TaskID, events.TaskFailed{
			BaseEvent: t.baseEvent(ectx, events.TaskFailedEvent),
			Result:    result,
		})
		done(result)
	}

	for _, cond := range t.Preconditions {
		if !cond(input) {
			fail(fmt.Errorf("task %s: precondition not met", t.TaskID))
			return
		}
	}

	// Mandatory requirements must be satisfiable before any resource is
	// touched; optional ones only warn.
	for _, rr := range t.Requirements {
		if err := ectx.Pools.Satisfiable(rr); err != nil {
			if rr.Mandatory {
				fail(&models.ValidationFailure{TaskID: t.TaskID, Requirement: rr, Reason: err.Error()})
				return
			}
			logger.Warn("optional requirement unsatisfiable", "requirement", rr.String(), "error", err)
		}
	}

	t.acquire(ctx, ectx, input, 0, nil, startedAt, done)
}

// acquire walks the requirements in declaration order, suspending on each
// pool in turn. Optional requirements without a pool are skipped.
func (t *Task) acquire(ctx context.Context, ectx *protocol.ExecutionContext, input any, i int, held []*pool.Handle, startedAt sim.Time, done protocol.DoneFunc) {
	for ; i < len(t.Requirements); i++ {
		rr := t.Requirements[i]
		p, ok := ectx.Pools.Get(rr.Kind, rr.Name)
		if !ok || ectx.Pools.Satisfiable(rr) != nil {
			continue // optional and absent; mandatory was rejected in Start
		}

		t.state = models.TaskStateBlocked
		next := i + 1
		p.Request(t.TaskID, rr.Quantity, t.Priority, func(h *pool.Handle) {
			ectx.Publish(ctx, t.TaskID, events.ResourceGranted{
				BaseEvent:  t.baseEvent(ectx, events.ResourceGrantedEvent),
				Requester:  t.TaskID,
				ResourceID: p.Resource().ID,
				Amount:     h.Amount(),
			})
			t.acquire(ctx, ectx, input, next, append(held, h), startedAt, done)
		})
		return
	}

	t.run(ctx, ectx, input, held, startedAt, done)
}

func (t *Task) run(ctx context.Context, ectx *protocol.ExecutionContext, input any, held []*pool.Handle, startedAt sim.Time, done protocol.DoneFunc) {
	logger := ectx.Logger.With("task", t.TaskID)
	t.state = models.TaskStateRunning

	logger.Info("task running", "at", float64(ectx.Engine.Now()), "duration", float64(t.Duration))
	ectx.Publish(ctx, t.TaskID, events.TaskStarted{
		BaseEvent: t.baseEvent(ectx, events.TaskStartedEvent),
		TaskID:    t.TaskID,
		TaskName:  t.TaskName,
		Priority:  t.Priority,
	})

	settled := false
	finish := func(bodyErr error) {
		if settled {
			return
		}
		settled = true
		t.settle(ctx, ectx, input, held, startedAt, bodyErr, done)
	}

	if t.Behavior == nil {
		ectx.Engine.ScheduleAfter(t.Duration, t.Priority, func() { finish(nil) })
		return
	}

	// A fault inside the body is caught per task and recorded in the
	// result; it never aborts siblings running in the same batch.
	func() {
		defer func() {
			if r := recover(); r != nil {
				finish(fmt.Errorf("task body fault: %v", r))
			}
		}()
		t.Behavior.Operate(ctx, ectx, t.Duration, finish)
	}()
}

// settle produces outputs, releases reusable holdings and reports the
// result. Consumed material stays consumed even on failure; outputs are
// only produced on success.
func (t *Task) settle(ctx context.Context, ectx *protocol.ExecutionContext, input any, held []*pool.Handle, startedAt sim.Time, bodyErr error, done protocol.DoneFunc) {
	logger := ectx.Logger.With("task", t.TaskID)
	endedAt := ectx.Engine.Now()

	var payload any = input
	if bodyErr == nil && len(t.Outputs) > 0 {
		produced := make([]*models.Resource, 0, len(t.Outputs))
		for _, out := range t.Outputs {
			clone := out.Clone()
			if err := ectx.Pools.Produce(clone); err != nil {
				logger.Error("output rejected", "resource", out.ID, "error", err)
				continue
			}
			produced = append(produced, clone)
		}
		payload = produced
	}

	for _, h := range held {
		h.Release()
		ectx.Publish(ctx, t.TaskID, events.ResourceReleased{
			BaseEvent:  t.baseEvent(ectx, events.ResourceReleasedEvent),
			Requester:  t.TaskID,
			ResourceID: h.ResourceID(),
			Amount:     h.Amount(),
		})
	}

	result := models.ProcessResult{
		TaskID:    t.TaskID,
		Name:      t.TaskName,
		Success:   bodyErr == nil,
		Payload:   payload,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt - startedAt,
	}

	if bodyErr != nil {
		t.state = models.TaskStateFailed
		result.Error = bodyErr.Error()
		logger.Warn("task body failed", "at", float64(endedAt), "error", bodyErr)
		ectx.Publish(ctx, t.TaskID, events.TaskFailed{
			BaseEvent: t.baseEvent(ectx, events.TaskFailedEvent),
			Result:    result,
		})
	} else {
		t.state = models.TaskStateCompleted
		logger.Info("task completed", "at", float64(endedAt))
		ectx.Publish(ctx, t.TaskID, events.TaskCompleted{
			BaseEvent: t.baseEvent(ectx, events.TaskCompletedEvent),
			Result:    result,
		})
	}

	done(result)
}

func (t *Task) baseEvent(ectx *protocol.ExecutionContext, typ events.EventType) events.BaseEvent {
	var id string
	if ectx.Events != nil {
		if bus, ok := ectx.Events.(interface{ GenerateID() string }); ok {
			id = bus.GenerateID()
		}
	}
	return events.BaseEvent{
		ID:          id,
		Type:        typ,
		RunID:       ectx.RunID,
		VirtualTime: ectx.Engine.Now(),
	}
}
