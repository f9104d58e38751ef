// Package worker provides the worker behavior: an operator whose skill
// level scales processing time and whose error rate can spoil a run.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// skillFactor maps a skill level to a processing time multiplier. Higher
// skill finishes the same work faster.
var skillFactor = map[string]float64{
	"novice":       1.5,
	"intermediate": 1.0,
	"expert":       0.7,
}

// Behavior implements protocol.Behavior for a human operator.
type Behavior struct {
	id           string
	skillLevel   string
	errorRate    float64 // probability a run is spoiled, per operation
	restAfter    int     // operations between rest breaks, 0 disables
	restDuration sim.Time

	working   bool
	sinceRest int
	processed int
	failures  int
	busy      sim.Time
	observed  sim.Time
}

// New builds a worker behavior from scenario configuration.
func New(config map[string]any) (*Behavior, error) {
	id, ok := config["id"].(string)
	if !ok || id == "" {
		return nil, errors.New("worker: missing required field 'id'")
	}

	b := &Behavior{
		id:         id,
		skillLevel: "intermediate",
	}
	if sl, ok := config["skill_level"].(string); ok {
		if _, known := skillFactor[sl]; !known {
			return nil, fmt.Errorf("worker %s: unknown skill_level %q", id, sl)
		}
		b.skillLevel = sl
	}
	if er, ok := toFloat(config["error_rate"]); ok {
		if er < 0 || er > 1 {
			return nil, fmt.Errorf("worker %s: error_rate must be within [0,1], got %v", id, er)
		}
		b.errorRate = er
	}
	if ra, ok := toInt(config["rest_after"]); ok {
		if ra < 0 {
			return nil, fmt.Errorf("worker %s: rest_after must not be negative, got %d", id, ra)
		}
		b.restAfter = ra
	}
	if rd, ok := toFloat(config["rest_duration"]); ok {
		b.restDuration = sim.Time(rd)
	}
	return b, nil
}

// Operate runs one work cycle. Duration is scaled by the worker's skill
// level, and a rest break is inserted after the configured number of
// operations.
func (b *Behavior) Operate(ctx context.Context, ectx *protocol.ExecutionContext, duration sim.Time, done func(error)) {
	if b.working {
		done(fmt.Errorf("worker %s is already assigned", b.id))
		return
	}
	b.working = true

	workTime := sim.Time(float64(duration) * skillFactor[b.skillLevel])
	if b.restAfter > 0 && b.sinceRest >= b.restAfter {
		workTime += b.restDuration
		b.sinceRest = 0
	}
	spoiled := b.errorRate > 0 && ectx.Rand != nil && ectx.Rand.Float64() < b.errorRate

	logger := ectx.Logger.With("worker", b.id, "skill", b.skillLevel)
	logger.Debug("worker operating", "at", float64(ectx.Engine.Now()), "duration", float64(workTime))

	ectx.Engine.ScheduleAfter(workTime, 0, func() {
		b.working = false
		b.sinceRest++
		b.busy += workTime
		b.observed = ectx.Engine.Now()
		if spoiled {
			b.failures++
			done(fmt.Errorf("worker %s spoiled the run", b.id))
			return
		}
		b.processed++
		done(nil)
	})
}

func (b *Behavior) Status() models.BehaviorStatus {
	var util float64
	if b.observed > 0 {
		util = float64(b.busy) / float64(b.observed)
	}
	inUse := 0
	if b.working {
		inUse = 1
	}
	return models.BehaviorStatus{
		ID:          b.id,
		Kind:        "worker",
		Capacity:    1,
		InUse:       inUse,
		Failures:    b.failures,
		Available:   !b.working,
		Processed:   b.processed,
		BusyTime:    b.busy,
		Utilization: util,
	}
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}
