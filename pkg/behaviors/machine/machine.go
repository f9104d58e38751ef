// Package machine provides the machine behavior: a fixed-capacity station
// that processes for a virtual duration and can break down probabilistically.
package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// Behavior implements protocol.Behavior for a machine station.
type Behavior struct {
	id          string
	machineType string
	capacity    int
	failureRate float64  // probability a run breaks down, per operation
	repairTime  sim.Time // downtime added before the breakdown is reported

	inUse     int
	processed int
	failures  int
	busy      sim.Time
	observed  sim.Time // latest virtual time seen, for utilization
}

// New builds a machine behavior from scenario configuration.
func New(config map[string]any) (*Behavior, error) {
	id, ok := config["id"].(string)
	if !ok || id == "" {
		return nil, errors.New("machine: missing required field 'id'")
	}

	b := &Behavior{
		id:          id,
		machineType: "generic",
		capacity:    1,
	}
	if mt, ok := config["machine_type"].(string); ok {
		b.machineType = mt
	}
	if c, ok := toInt(config["capacity"]); ok {
		if c < 1 {
			return nil, fmt.Errorf("machine %s: capacity must be at least 1, got %d", id, c)
		}
		b.capacity = c
	}
	if fr, ok := toFloat(config["failure_rate"]); ok {
		if fr < 0 || fr > 1 {
			return nil, fmt.Errorf("machine %s: failure_rate must be within [0,1], got %v", id, fr)
		}
		b.failureRate = fr
	}
	if rt, ok := toFloat(config["repair_time"]); ok {
		if rt < 0 {
			return nil, fmt.Errorf("machine %s: repair_time must not be negative, got %v", id, rt)
		}
		b.repairTime = sim.Time(rt)
	}
	return b, nil
}

// Operate runs one processing cycle. When every slot is busy the operation
// reports an error immediately; slot contention between tasks is expected
// to be arbitrated by resource pools upstream.
func (b *Behavior) Operate(ctx context.Context, ectx *protocol.ExecutionContext, duration sim.Time, done func(error)) {
	if b.inUse >= b.capacity {
		done(fmt.Errorf("machine %s: all %d slots busy", b.id, b.capacity))
		return
	}
	b.inUse++

	broke := b.failureRate > 0 && ectx.Rand != nil && ectx.Rand.Float64() < b.failureRate
	runTime := duration
	if broke {
		runTime += b.repairTime
	}

	logger := ectx.Logger.With("machine", b.id, "type", b.machineType)
	logger.Debug("machine processing", "at", float64(ectx.Engine.Now()), "duration", float64(runTime), "breakdown", broke)

	ectx.Engine.ScheduleAfter(runTime, 0, func() {
		b.inUse--
		b.busy += runTime
		b.observed = ectx.Engine.Now()
		if broke {
			b.failures++
			done(fmt.Errorf("machine %s broke down after repair window of %v", b.id, float64(b.repairTime)))
			return
		}
		b.processed++
		done(nil)
	})
}

// Status reports a snapshot of the machine. Utilization is slot-time over
// wall virtual time across all slots, so overlapping runs on a multi-slot
// machine stay within [0,1].
func (b *Behavior) Status() models.BehaviorStatus {
	var util float64
	if b.observed > 0 {
		util = float64(b.busy) / (float64(b.observed) * float64(b.capacity))
	}
	return models.BehaviorStatus{
		ID:          b.id,
		Kind:        "machine",
		Capacity:    b.capacity,
		InUse:       b.inUse,
		Failures:    b.failures,
		Available:   b.inUse < b.capacity,
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
