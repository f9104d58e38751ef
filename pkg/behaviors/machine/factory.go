package machine

import "github.com/fabsim/fabsim/pkg/protocol"

// Factory creates machine behaviors for registry integration.
type Factory struct{}

func NewFactory() protocol.BehaviorFactory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any) (protocol.Behavior, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "machine"
}

func (f *Factory) Description() string {
	return "Fixed-capacity processing station with probabilistic breakdowns and repair downtime"
}
