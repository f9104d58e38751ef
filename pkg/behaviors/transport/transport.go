// Package transport provides the transport behavior: a carrier that moves
// load between stations in round trips bounded by its capacity.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// Behavior implements protocol.Behavior for a transport carrier.
type Behavior struct {
	id           string
	loadCapacity int      // units moved per trip
	loadSize     int      // units to move per operation
	travelTime   sim.Time // one-way time per trip, 0 falls back to the task duration

	moving    bool
	trips     int
	processed int
	failures  int
	busy      sim.Time
	observed  sim.Time
}

// New builds a transport behavior from scenario configuration.
func New(config map[string]any) (*Behavior, error) {
	id, ok := config["id"].(string)
	if !ok || id == "" {
		return nil, errors.New("transport: missing required field 'id'")
	}

	b := &Behavior{
		id:           id,
		loadCapacity: 1,
		loadSize:     1,
	}
	if c, ok := toInt(config["load_capacity"]); ok {
		if c < 1 {
			return nil, fmt.Errorf("transport %s: load_capacity must be at least 1, got %d", id, c)
		}
		b.loadCapacity = c
	}
	if s, ok := toInt(config["load_size"]); ok {
		if s < 1 {
			return nil, fmt.Errorf("transport %s: load_size must be at least 1, got %d", id, s)
		}
		b.loadSize = s
	}
	if tt, ok := toFloat(config["travel_time"]); ok {
		if tt < 0 {
			return nil, fmt.Errorf("transport %s: travel_time must not be negative, got %v", id, tt)
		}
		b.travelTime = sim.Time(tt)
	}
	return b, nil
}

// Operate moves the configured load. The load is split into as many trips
// as the capacity requires; each trip costs the per-trip travel time, or
// the task duration when no travel time is configured.
func (b *Behavior) Operate(ctx context.Context, ectx *protocol.ExecutionContext, duration sim.Time, done func(error)) {
	if b.moving {
		done(fmt.Errorf("transport %s is already en route", b.id))
		return
	}
	b.moving = true

	perTrip := b.travelTime
	if perTrip == 0 {
		perTrip = duration
	}
	trips := int(math.Ceil(float64(b.loadSize) / float64(b.loadCapacity)))
	total := sim.Time(float64(trips)) * perTrip

	logger := ectx.Logger.With("transport", b.id)
	logger.Debug("transport departing",
		"at", float64(ectx.Engine.Now()), "trips", trips, "total", float64(total))

	ectx.Engine.ScheduleAfter(total, 0, func() {
		b.moving = false
		b.trips += trips
		b.processed++
		b.busy += total
		b.observed = ectx.Engine.Now()
		done(nil)
	})
}

// Trips reports the cumulative trip count.
func (b *Behavior) Trips() int { return b.trips }

func (b *Behavior) Status() models.BehaviorStatus {
	var util float64
	if b.observed > 0 {
		util = float64(b.busy) / float64(b.observed)
	}
	inUse := 0
	if b.moving {
		inUse = 1
	}
	return models.BehaviorStatus{
		ID:          b.id,
		Kind:        "transport",
		Capacity:    b.loadCapacity,
		InUse:       inUse,
		Failures:    b.failures,
		Available:   !b.moving,
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
