package pool

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/fabsim/fabsim/pkg/models"
	"github.com/fabsim/fabsim/pkg/sim"
)

// Set is the engine-owned registry of pools, keyed by (kind, name) the same
// way requirements match. Collaborators get read-only views through
// Snapshot; tasks go through Acquire/Produce.
type Set struct {
	engine *sim.Engine
	logger *slog.Logger
	pools  map[string]*Pool
	order  []string // registration order, for stable snapshots
}

func NewSet(engine *sim.Engine, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		engine: engine,
		logger: logger.With("module", "pool"),
		pools:  map[string]*Pool{},
	}
}

func key(kind models.ResourceKind, name string) string {
	return string(kind) + "/" + name
}

// Register creates a pool for res. Registering the same (kind, name) twice
// is a setup error.
func (s *Set) Register(res *models.Resource) (*Pool, error) {
	if !res.Kind.Valid() {
		return nil, fmt.Errorf("resource %s: unknown kind %q", res.ID, res.Kind)
	}
	k := key(res.Kind, res.DisplayName)
	if _, ok := s.pools[k]; ok {
		return nil, fmt.Errorf("resource %s/%s already registered", res.Kind, res.DisplayName)
	}
	p := newPool(s.engine, s.logger, res)
	s.pools[k] = p
	s.order = append(s.order, k)
	return p, nil
}

// Get looks a pool up by requirement key.
func (s *Set) Get(kind models.ResourceKind, name string) (*Pool, bool) {
	p, ok := s.pools[key(kind, name)]
	return p, ok
}

// Satisfiable reports whether a requirement could ever be granted: the pool
// must exist and its total capacity must cover the required quantity. A
// requirement that merely has to wait is still satisfiable.
func (s *Set) Satisfiable(rr models.ResourceRequirement) error {
	p, ok := s.Get(rr.Kind, rr.Name)
	if !ok {
		return fmt.Errorf("no pool for %s", rr)
	}
	if !p.resource.Available {
		return fmt.Errorf("resource %s is unavailable", p.resource.ID)
	}
	if rr.Kind.Reusable() && rr.Quantity > p.capacity {
		return fmt.Errorf("requirement %s exceeds pool capacity %v", rr, p.capacity)
	}
	return nil
}

// Produce merges an output declaration into the set: an existing pool gains
// quantity, an unknown resource gets a fresh pool seeded from a clone.
func (s *Set) Produce(res *models.Resource) error {
	if p, ok := s.Get(res.Kind, res.DisplayName); ok {
		return p.Produce(res.Quantity)
	}
	_, err := s.Register(res.Clone())
	return err
}

// Snapshot returns pool statuses in registration order.
func (s *Set) Snapshot() []Status {
	out := make([]Status, 0, len(s.pools))
	for _, k := range s.order {
		out = append(out, s.pools[k].Status())
	}
	return out
}

// Names returns the registered (kind, name) keys, sorted, for diagnostics.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.pools))
	for k := range s.pools {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
