// Package eventbus provides the push-based notification surface that
// statistics and reporting collaborators subscribe to.
package eventbus

import (
	"context"

	"github.com/fabsim/fabsim/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
