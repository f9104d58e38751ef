package buffer

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/sim"
)

func newTestContext(t *testing.T) (*protocol.ExecutionContext, *sim.Engine) {
	t.Helper()
	engine := sim.NewEngine(nil)
	return &protocol.ExecutionContext{RunID: "run-test", Engine: engine, Logger: slog.Default()}, engine
}

func TestOperate_HoldsBatchForDwellTime(t *testing.T) {
	ectx, engine := newTestContext(t)
	b, err := New(map[string]any{"id": "wip", "capacity": 10, "batch": 2})
	require.NoError(t, err)

	b.Operate(context.Background(), ectx, 3, func(error) {})
	assert.Equal(t, 2, b.Stored(), "batch is stored at operation start")

	engine.Drain()
	assert.Equal(t, 0, b.Stored(), "batch is taken out after the dwell time")
	assert.Equal(t, sim.Time(3), engine.Now())
	assert.Equal(t, 1, b.Status().Processed)
}

func TestOperate_FullBufferRejectsBatch(t *testing.T) {
	ectx, engine := newTestContext(t)
	b, err := New(map[string]any{"id": "wip", "capacity": 3, "batch": 2})
	require.NoError(t, err)

	var firstErr, secondErr error
	b.Operate(context.Background(), ectx, 5, func(e error) { firstErr = e })
	b.Operate(context.Background(), ectx, 5, func(e error) { secondErr = e })
	engine.Drain()

	assert.NoError(t, firstErr)
	require.Error(t, secondErr)
	assert.Contains(t, secondErr.Error(), "full")
	assert.Equal(t, 1, b.Status().Failures)
}

func TestOperate_ConcurrentBatchesWithinCapacity(t *testing.T) {
	ectx, engine := newTestContext(t)
	b, err := New(map[string]any{"id": "wip", "capacity": 4, "batch": 2})
	require.NoError(t, err)

	var errs []error
	b.Operate(context.Background(), ectx, 5, func(e error) { errs = append(errs, e) })
	b.Operate(context.Background(), ectx, 5, func(e error) { errs = append(errs, e) })
	assert.Equal(t, 4, b.Stored())

	engine.Drain()
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 0, b.Stored())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(map[string]any{})
	assert.Error(t, err)

	_, err = New(map[string]any{"id": "wip", "capacity": 0})
	assert.Error(t, err)

	_, err = New(map[string]any{"id": "wip", "batch": 0})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	assert.Equal(t, "buffer", NewFactory().ID())
}
