package worker

import "github.com/fabsim/fabsim/pkg/protocol"

// Factory creates worker behaviors for registry integration.
type Factory struct{}

func NewFactory() protocol.BehaviorFactory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any) (protocol.Behavior, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "worker"
}

func (f *Factory) Description() string {
	return "Operator whose skill level scales processing time, with error rate and rest breaks"
}
