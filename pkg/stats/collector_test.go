package stats

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabsim/fabsim/pkg/channels/gochannel"
	"github.com/fabsim/fabsim/pkg/eventbus"
	"github.com/fabsim/fabsim/pkg/events"
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/pool"
)

func newTestBus(t *testing.T) (eventbus.EventBus, *Collector) {
	t.Helper()
	pub, sub := gochannel.CreateSyncChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	c := NewCollector(slog.Default())
	require.NoError(t, c.Attach(bus))
	require.NoError(t, bus.Subscribe(context.Background()))
	return bus, c
}

func publish(t *testing.T, bus eventbus.EventBus, key string, e eventbus.Event) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), key, e))
}

func TestCollector_AggregatesTaskLifecycle(t *testing.T) {
	bus, c := newTestBus(t)

	publish(t, bus, "cut", events.TaskStarted{
		BaseEvent: events.BaseEvent{Type: events.TaskStartedEvent, RunID: "r1"},
		TaskID:    "cut", TaskName: "Cut", Priority: 4,
	})
	publish(t, bus, "cut", events.TaskCompleted{
		BaseEvent: events.BaseEvent{Type: events.TaskCompletedEvent, RunID: "r1"},
		Result: models.ProcessResult{
			TaskID: "cut", Name: "Cut", Success: true,
			StartedAt: 0, EndedAt: 2, Duration: 2,
		},
	})
	publish(t, bus, "weld", events.TaskStarted{
		BaseEvent: events.BaseEvent{Type: events.TaskStartedEvent, RunID: "r1"},
		TaskID:    "weld", TaskName: "Weld", Priority: 5,
	})
	publish(t, bus, "weld", events.TaskFailed{
		BaseEvent: events.BaseEvent{Type: events.TaskFailedEvent, RunID: "r1"},
		Result: models.ProcessResult{
			TaskID: "weld", Name: "Weld", Success: false,
			StartedAt: 0, EndedAt: 3, Duration: 3, Error: "spoiled",
		},
	})

	s := c.Summary()
	require.Contains(t, s.Tasks, "cut")
	require.Contains(t, s.Tasks, "weld")
	assert.Equal(t, 1, s.Tasks["cut"].Started)
	assert.Equal(t, 1, s.Tasks["cut"].Completed)
	assert.Equal(t, 0, s.Tasks["cut"].Failed)
	assert.Equal(t, 1, s.Tasks["weld"].Failed)
	assert.InDelta(t, 3.0, float64(s.Tasks["weld"].TotalTime), 1e-9)
}

func TestCollector_CountsResourceTraffic(t *testing.T) {
	bus, c := newTestBus(t)

	publish(t, bus, "cut", events.ResourceGranted{
		BaseEvent: events.BaseEvent{Type: events.ResourceGrantedEvent}, Requester: "cut", ResourceID: "press", Amount: 1,
	})
	publish(t, bus, "cut", events.ResourceReleased{
		BaseEvent: events.BaseEvent{Type: events.ResourceReleasedEvent}, Requester: "cut", ResourceID: "press", Amount: 1,
	})
	publish(t, bus, "cut", events.ResourceGranted{
		BaseEvent: events.BaseEvent{Type: events.ResourceGrantedEvent}, Requester: "drill", ResourceID: "press", Amount: 1,
	})

	s := c.Summary()
	assert.Equal(t, 2, s.Grants)
	assert.Equal(t, 1, s.Releases)
}

func TestCollector_RecordsFinishAndReportsPools(t *testing.T) {
	bus, c := newTestBus(t)

	publish(t, bus, "run", events.SimulationFinished{
		BaseEvent: events.BaseEvent{Type: events.SimulationFinishedEvent, RunID: "r1", VirtualTime: 50},
		Horizon:   50,
		Pools: []pool.Status{
			{ResourceID: "steel", Capacity: 100, Available: 40},
		},
	})

	s := c.Summary()
	assert.True(t, s.Finished)
	require.Len(t, s.Pools, 1)
	assert.Equal(t, "steel", s.Pools[0].ResourceID)

	report := c.Report()
	assert.Contains(t, report, "steel")
	assert.Contains(t, report, "horizon 50.00")
}

func TestCollector_SyncTimeouts(t *testing.T) {
	bus, c := newTestBus(t)

	publish(t, bus, "join", events.SyncTimeout{
		BaseEvent: events.BaseEvent{Type: events.SyncTimeoutEvent},
		SyncID:    "join", Completed: 1, Expected: 3, Timeout: 5,
	})

	assert.Equal(t, 1, c.Summary().SyncTimeouts)
	assert.Contains(t, c.Report(), "Sync timeouts: 1")
}

func TestTaskStats_AverageTime(t *testing.T) {
	ts := TaskStats{Completed: 2, Failed: 1, TotalTime: 9}
	assert.InDelta(t, 3.0, float64(ts.AverageTime()), 1e-9)

	empty := TaskStats{}
	assert.Zero(t, empty.AverageTime())
}
