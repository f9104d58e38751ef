// Package buffer provides the buffer behavior: bounded intermediate
// storage holding items between stages for a dwell time.
package buffer

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

// Behavior implements protocol.Behavior for an intermediate store.
type Behavior struct {
	id       string
	capacity int
	batch    int // items stored per operation

	stored    int
	puts      int
	takes     int
	processed int
	failures  int
	busy      sim.Time
	observed  sim.Time
}

// New builds a buffer behavior from scenario configuration.
func New(config map[string]any) (*Behavior, error) {
	id, ok := config["id"].(string)
	if !ok || id == "" {
		return nil, errors.New("buffer: missing required field 'id'")
	}

	b := &Behavior{
		id:       id,
		capacity: 100,
		batch:    1,
	}
	if c, ok := toInt(config["capacity"]); ok {
		if c < 1 {
			return nil, fmt.Errorf("buffer %s: capacity must be at least 1, got %d", id, c)
		}
		b.capacity = c
	}
	if n, ok := toInt(config["batch"]); ok {
		if n < 1 {
			return nil, fmt.Errorf("buffer %s: batch must be at least 1, got %d", id, n)
		}
		b.batch = n
	}
	return b, nil
}

// Operate stores one batch, holds it for the dwell duration, then takes it
// back out. A full buffer rejects the batch immediately.
func (b *Behavior) Operate(ctx context.Context, ectx *protocol.ExecutionContext, duration sim.Time, done func(error)) {
	if b.stored+b.batch > b.capacity {
		b.failures++
		done(fmt.Errorf("buffer %s full: %d/%d stored, batch of %d rejected", b.id, b.stored, b.capacity, b.batch))
		return
	}
	b.stored += b.batch
	b.puts++

	logger := ectx.Logger.With("buffer", b.id)
	logger.Debug("buffer holding batch",
		"at", float64(ectx.Engine.Now()), "stored", b.stored, "capacity", b.capacity)

	ectx.Engine.ScheduleAfter(duration, 0, func() {
		b.stored -= b.batch
		b.takes++
		b.processed++
		b.busy += duration
		b.observed = ectx.Engine.Now()
		done(nil)
	})
}

// Stored reports the current occupancy.
func (b *Behavior) Stored() int { return b.stored }

func (b *Behavior) Status() models.BehaviorStatus {
	var util float64
	if b.observed > 0 {
		util = float64(b.busy) / float64(b.observed)
	}
	return models.BehaviorStatus{
		ID:          b.id,
		Kind:        "buffer",
		Capacity:    b.capacity,
		InUse:       b.stored,
		Failures:    b.failures,
		Available:   b.stored+b.batch <= b.capacity,
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
