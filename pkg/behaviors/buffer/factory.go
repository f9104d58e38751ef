package buffer

import "github.com/fabsim/fabsim/pkg/protocol"

// Factory creates buffer behaviors for registry integration.
type Factory struct{}

func NewFactory() protocol.BehaviorFactory {
	return &Factory{}
}

func (f *Factory) Create(config map[string]any) (protocol.Behavior, error) {
	return New(config)
}

func (f *Factory) ID() string {
	return "buffer"
}

func (f *Factory) Description() string {
	return "Bounded intermediate storage holding batches between stages for a dwell time"
}
