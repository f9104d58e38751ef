// Package simulation assembles a full run from a scenario: engine, pools,
// behaviors, tasks, workflow graph, event bus and statistics collector.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/fabsim/fabsim/pkg/behaviors/buffer"
	"github.com/fabsim/fabsim/pkg/behaviors/machine"
	"github.com/fabsim/fabsim/pkg/behaviors/transport"
	"github.com/fabsim/fabsim/pkg/behaviors/worker"
	"github.com/fabsim/fabsim/pkg/channels/gochannel"
	"github.com/fabsim/fabsim/pkg/config"
	"github.com/fabsim/fabsim/pkg/eventbus"
	"github.com/fabsim/fabsim/pkg/events"
	"github.com/fabsim/fabsim/pkg/graph"
	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/pool"
	"github.com/fabsim/fabsim/pkg/process"
	"github.com/fabsim/fabsim/pkg/protocol"
	"github.com/fabsim/fabsim/pkg/registry"
	"github.com/fabsim/fabsim/pkg/sim"
	"github.com/fabsim/fabsim/pkg/stats"
)

// Simulation owns everything one run needs. Build it from a scenario with
// FromScenario, or programmatically with New plus the setters, then Run.
type Simulation struct {
	name    string
	runID   string
	horizon sim.Time

	engine    *sim.Engine
	pools     *pool.Set
	registry  *registry.Registry
	collector *stats.Collector
	logger    *slog.Logger
	rng       *rand.Rand

	root        protocol.Node
	behaviors   map[string]protocol.Behavior
	behaviorIDs []string
}

// New creates an empty simulation shell with the default behavior
// factories registered.
func New(name string, horizon sim.Time, seed int64, logger *slog.Logger) *Simulation {
	engine := sim.NewEngine(logger)
	reg := registry.NewRegistry(logger)
	reg.RegisterBehavior(machine.NewFactory())
	reg.RegisterBehavior(worker.NewFactory())
	reg.RegisterBehavior(transport.NewFactory())
	reg.RegisterBehavior(buffer.NewFactory())

	return &Simulation{
		name:      name,
		runID:     "run-" + uuid.New().String()[:8],
		horizon:   horizon,
		engine:    engine,
		pools:     pool.NewSet(engine, logger),
		registry:  reg,
		collector: stats.NewCollector(logger),
		logger:    logger.With("simulation", name),
		rng:       rand.New(rand.NewSource(seed)),
		behaviors: map[string]protocol.Behavior{},
	}
}

// FromScenario builds a ready-to-run simulation from a parsed scenario.
func FromScenario(sc *config.Scenario, logger *slog.Logger) (*Simulation, error) {
	s := New(sc.Name, sim.Time(sc.Horizon), sc.Seed, logger)

	for _, rc := range sc.Resources {
		kind := models.ResourceKind(rc.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("scenario %s: resource %q has unknown kind %q", sc.Name, rc.ID, rc.Kind)
		}
		name := rc.Name
		if name == "" {
			name = rc.ID
		}
		if _, err := s.pools.Register(models.NewResource(rc.ID, name, kind, rc.Quantity, rc.Unit)); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}

	for _, bc := range sc.Behaviors {
		cfg := map[string]any{"id": bc.ID}
		for k, v := range bc.Config {
			cfg[k] = v
		}
		b, err := s.registry.CreateBehavior(bc.Type, cfg)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: behavior %q: %w", sc.Name, bc.ID, err)
		}
		s.AddBehavior(bc.ID, b)
	}

	tasks := map[string]*process.Task{}
	builder := graph.NewBuilder(sc.Name)
	for _, tc := range sc.Tasks {
		name := tc.Name
		if name == "" {
			name = tc.ID
		}
		t := process.New(tc.ID, name, sim.Time(tc.Duration))
		if tc.Priority != 0 {
			t = t.WithPriority(tc.Priority)
		}
		for _, rq := range tc.Requires {
			t = t.Require(models.ResourceKind(rq.Kind), rq.Name, rq.Quantity, rq.Mandatory)
		}
		for _, out := range tc.Produces {
			t = t.Produce(models.NewResource(out.ID, out.ID, models.ResourceKind(out.Kind), out.Quantity, out.Unit))
		}
		if tc.Behavior != "" {
			t = t.WithBehavior(s.behaviors[tc.Behavior])
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("scenario %s: task %q: %w", sc.Name, tc.ID, err)
		}
		tasks[tc.ID] = t
		if err := builder.AddNode(t); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}

	if sc.Workflow != nil {
		for _, e := range sc.Workflow.Edges {
			if err := builder.AddEdge(e.From, e.To); err != nil {
				return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
			}
		}
		for _, spc := range sc.Workflow.SyncPoints {
			sp := models.SynchronizationPoint{
				ID:        spc.ID,
				Members:   spc.Members,
				Policy:    models.SyncPolicy(spc.Policy),
				Threshold: spc.Threshold,
				Timeout:   sim.Time(spc.Timeout),
			}
			if err := builder.AddSyncPoint(sp); err != nil {
				return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
			}
		}
	}

	g, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	s.root = g
	return s, nil
}

// Engine exposes the virtual clock, mainly so callers can register extra
// scheduled work before Run.
func (s *Simulation) Engine() *sim.Engine { return s.engine }

// Pools exposes the resource pool set.
func (s *Simulation) Pools() *pool.Set { return s.pools }

// Registry exposes the behavior registry for custom factories.
func (s *Simulation) Registry() *registry.Registry { return s.registry }

// SetRoot installs the node the run executes: a task, chain, group or
// graph built programmatically.
func (s *Simulation) SetRoot(n protocol.Node) { s.root = n }

// AddBehavior registers a behavior instance so its end-of-run status is
// included in the result. FromScenario does this for every configured
// behavior; programmatic setups call it alongside SetRoot.
func (s *Simulation) AddBehavior(id string, b protocol.Behavior) {
	if _, ok := s.behaviors[id]; !ok {
		s.behaviorIDs = append(s.behaviorIDs, id)
	}
	s.behaviors[id] = b
}

// Result is the outcome of one run.
type Result struct {
	RunID     string
	Root      models.ProcessResult
	Horizon   sim.Time
	EndedAt   sim.Time
	Report    string
	Summary   stats.Summary
	PoolsEnd  []pool.Status
	Behaviors []models.BehaviorStatus
}

// Run executes the simulation to its horizon and returns the collected
// outcome. The event bus lives only for the duration of the call.
func (s *Simulation) Run(ctx context.Context) (*Result, error) {
	if s.root == nil {
		return nil, fmt.Errorf("simulation %s: no root node configured", s.name)
	}

	pub, sub := gochannel.CreateSyncChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer bus.Close()

	if err := s.collector.Attach(bus); err != nil {
		return nil, err
	}
	if err := bus.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("simulation %s: subscribing collector: %w", s.name, err)
	}

	ectx := &protocol.ExecutionContext{
		RunID:  s.runID,
		Engine: s.engine,
		Pools:  s.pools,
		Events: bus,
		Logger: s.logger,
		Rand:   s.rng,
	}

	var rootResult models.ProcessResult
	settled := false
	s.engine.Schedule(0, 0, func() {
		s.root.Start(ctx, ectx, nil, func(res models.ProcessResult) {
			rootResult = res
			settled = true
		})
	})

	s.logger.Info("simulation starting", "run_id", s.runID, "horizon", float64(s.horizon))
	s.engine.RunUntil(s.horizon)

	if !settled {
		rootResult = models.Failure(s.root.ID(), s.root.Name(), s.engine.Now(),
			fmt.Errorf("simulation horizon %v reached before completion", float64(s.horizon)))
		s.logger.Warn("horizon reached with work outstanding", "pending", s.engine.Pending())
	}

	poolsEnd := s.pools.Snapshot()
	ectx.Publish(ctx, s.runID, events.SimulationFinished{
		BaseEvent: events.BaseEvent{
			ID:          bus.GenerateID(),
			Type:        events.SimulationFinishedEvent,
			RunID:       s.runID,
			VirtualTime: s.engine.Now(),
		},
		Horizon: s.horizon,
		Pools:   poolsEnd,
	})

	statuses := make([]models.BehaviorStatus, 0, len(s.behaviorIDs))
	for _, id := range s.behaviorIDs {
		statuses = append(statuses, s.behaviors[id].Status())
	}

	summary := s.collector.Summary()
	return &Result{
		RunID:     s.runID,
		Root:      rootResult,
		Horizon:   s.horizon,
		EndedAt:   s.engine.Now(),
		Report:    s.collector.Report(),
		Summary:   summary,
		PoolsEnd:  poolsEnd,
		Behaviors: statuses,
	}, nil
}
