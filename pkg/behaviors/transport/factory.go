package transport

import "github.com/fabsim/fabsim/pkg/protocol"

// Factory creates transport behaviors for registry integration.
type Factory struct{}

func NewFactory() protocol.BehaviorFactory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any) (protocol.Behavior, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "transport"
}

func (f *Factory) Description() string {
	return "Carrier moving load between stations in capacity-bounded round trips"
}
