// Package stats aggregates simulation events into run statistics and
// renders them as a text report. The collector is a read-only
// collaborator: it subscribes to the event bus and never touches pools or
// the engine.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fabsim/fabsim/pkg/eventbus"
	"github.com/fabsim/fabsim/pkg/events"
	"github.com/fabsim/fabsim/pkg/pool"
	"github.com/fabsim/fabsim/pkg/sim"
)

// TaskStats accumulates per-task outcomes across a run.
type TaskStats struct {
	Name      string
	Started   int
	Completed int
	Failed    int
	TotalTime sim.Time
	LastEnd   sim.Time
}

// AverageTime returns the mean duration over finished runs of the task.
func (ts *TaskStats) AverageTime() sim.Time {
	n := ts.Completed + ts.Failed
	if n == 0 {
		return 0
	}
	return ts.TotalTime / sim.Time(n)
}

// Collector subscribes to simulation events and aggregates them. Handlers
// run on the bus subscriber goroutine, so state is guarded by a mutex.
type Collector struct {
	mu sync.Mutex

	logger *slog.Logger

	tasks        map[string]*TaskStats
	grants       int
	releases     int
	syncTimeouts int
	horizon      sim.Time
	pools        []pool.Status
	finished     bool
}

func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger.With("module", "stats"),
		tasks:  make(map[string]*TaskStats),
	}
}

// Attach registers the collector's handlers on the bus. Call before the
// bus starts delivering.
func (c *Collector) Attach(bus eventbus.EventSubscriber) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.TaskStartedEvent:        c.onTaskStarted,
		events.TaskCompletedEvent:      c.onTaskCompleted,
		events.TaskFailedEvent:         c.onTaskFailed,
		events.ResourceGrantedEvent:    c.onResourceGranted,
		events.ResourceReleasedEvent:   c.onResourceReleased,
		events.SyncTimeoutEvent:        c.onSyncTimeout,
		events.SimulationFinishedEvent: c.onSimulationFinished,
	}
	for eventType, handler := range handlers {
		if err := bus.Handle(eventType, handler); err != nil {
			return fmt.Errorf("stats: registering handler for %s: %w", eventType, err)
		}
	}
	return nil
}

func (c *Collector) task(id, name string) *TaskStats {
	ts, ok := c.tasks[id]
	if !ok {
		ts = &TaskStats{Name: name}
		c.tasks[id] = ts
	}
	if name != "" {
		ts.Name = name
	}
	return ts
}

func (c *Collector) onTaskStarted(ctx context.Context, event any) error {
	e, ok := event.(*events.TaskStarted)
	if !ok {
		return fmt.Errorf("stats: unexpected payload %T for task.started", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task(e.TaskID, e.TaskName).Started++
	return nil
}

func (c *Collector) onTaskCompleted(ctx context.Context, event any) error {
	e, ok := event.(*events.TaskCompleted)
	if !ok {
		return fmt.Errorf("stats: unexpected payload %T for task.completed", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.task(e.Result.TaskID, e.Result.Name)
	ts.Completed++
	ts.TotalTime += e.Result.Duration
	ts.LastEnd = e.Result.EndedAt
	return nil
}

func (c *Collector) onTaskFailed(ctx context.Context, event any) error {
	e, ok := event.(*events.TaskFailed)
	if !ok {
		return fmt.Errorf("stats: unexpected payload %T for task.failed", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.task(e.Result.TaskID, e.Result.Name)
	ts.Failed++
	ts.TotalTime += e.Result.Duration
	ts.LastEnd = e.Result.EndedAt
	return nil
}

func (c *Collector) onResourceGranted(ctx context.Context, event any) error {
	if _, ok := event.(*events.ResourceGranted); !ok {
		return fmt.Errorf("stats: unexpected payload %T for resource.granted", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants++
	return nil
}

func (c *Collector) onResourceReleased(ctx context.Context, event any) error {
	if _, ok := event.(*events.ResourceReleased); !ok {
		return fmt.Errorf("stats: unexpected payload %T for resource.released", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	return nil
}

func (c *Collector) onSyncTimeout(ctx context.Context, event any) error {
	e, ok := event.(*events.SyncTimeout)
	if !ok {
		return fmt.Errorf("stats: unexpected payload %T for sync.timeout", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncTimeouts++
	c.logger.Warn("synchronization timeout recorded", "sync", e.SyncID, "completed", e.Completed, "expected", e.Expected)
	return nil
}

func (c *Collector) onSimulationFinished(ctx context.Context, event any) error {
	e, ok := event.(*events.SimulationFinished)
	if !ok {
		return fmt.Errorf("stats: unexpected payload %T for simulation.finished", event)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.horizon = e.Horizon
	c.pools = e.Pools
	c.finished = true
	return nil
}

// Summary is a point-in-time snapshot of the aggregated statistics.
type Summary struct {
	Tasks        map[string]TaskStats
	Grants       int
	Releases     int
	SyncTimeouts int
	Horizon      sim.Time
	Pools        []pool.Status
	Finished     bool
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Tasks:        make(map[string]TaskStats, len(c.tasks)),
		Grants:       c.grants,
		Releases:     c.releases,
		SyncTimeouts: c.syncTimeouts,
		Horizon:      c.horizon,
		Pools:        append([]pool.Status(nil), c.pools...),
		Finished:     c.finished,
	}
	for id, ts := range c.tasks {
		s.Tasks[id] = *ts
	}
	return s
}

// Report renders the summary as a plain text table.
func (c *Collector) Report() string {
	s := c.Summary()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Simulation Report (horizon %.2f) ===\n", float64(s.Horizon))

	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(&b, "\nTasks:")
	for _, id := range ids {
		ts := s.Tasks[id]
		fmt.Fprintf(&b, "  %-24s started=%d completed=%d failed=%d avg=%.2f last_end=%.2f\n",
			ts.Name, ts.Started, ts.Completed, ts.Failed, float64(ts.AverageTime()), float64(ts.LastEnd))
	}

	fmt.Fprintf(&b, "\nResources: grants=%d releases=%d\n", s.Grants, s.Releases)
	if len(s.Pools) > 0 {
		fmt.Fprintln(&b, "Pools:")
		for _, ps := range s.Pools {
			fmt.Fprintf(&b, "  %-24s available=%.2f capacity=%.2f waiting=%d\n",
				ps.ResourceID, ps.Available, ps.Capacity, ps.Waiting)
		}
	}
	if s.SyncTimeouts > 0 {
		fmt.Fprintf(&b, "Sync timeouts: %d\n", s.SyncTimeouts)
	}
	return b.String()
}
