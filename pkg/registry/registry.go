// Package registry maps behavior type names to factories so scenario
// files can instantiate machines, workers, transports and buffers by name.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/fabsim/fabsim/pkg/protocol"
)

type Registry struct {
	logger            *slog.Logger
	behaviorFactories map[string]protocol.BehaviorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:            log,
		behaviorFactories: make(map[string]protocol.BehaviorFactory),
	}
}

func (r *Registry) RegisterBehavior(factory protocol.BehaviorFactory) {
	r.behaviorFactories[factory.ID()] = factory
}

func (r *Registry) CreateBehavior(behaviorType string, config map[string]any) (protocol.Behavior, error) {
	factory, ok := r.behaviorFactories[behaviorType]
	if !ok {
		return nil, fmt.Errorf("behavior type '%s' not registered", behaviorType)
	}
	return factory.Create(config)
}

func (r *Registry) IsBehaviorRegistered(behaviorType string) bool {
	_, exists := r.behaviorFactories[behaviorType]
	return exists
}

// AvailableBehaviors returns the registered behavior types, sorted.
func (r *Registry) AvailableBehaviors() []string {
	types := make([]string, 0, len(r.behaviorFactories))
	for behaviorType := range r.behaviorFactories {
		types = append(types, behaviorType)
	}
	sort.Strings(types)
	return types
}
