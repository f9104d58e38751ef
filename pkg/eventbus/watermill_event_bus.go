package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fabsim/fabsim/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	if _, exists := eb.subscriptions[eventType]; exists {
		return fmt.Errorf("handler already registered for %s", eventType)
	}
	eb.subscriptions[eventType] = handler
	return nil
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()

				continue
			}

			event := newEvent(eventType)
			if event == nil {
				msg.Ack()

				continue
			}

			if err := json.Unmarshal(msg.Payload, event); err != nil {
				msg.Nack()

				continue
			}

			if err := handler(ctx, event); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func newEvent(eventType events.EventType) any {
	switch eventType {
	case events.TaskStartedEvent:
		return &events.TaskStarted{}
	case events.TaskCompletedEvent:
		return &events.TaskCompleted{}
	case events.TaskFailedEvent:
		return &events.TaskFailed{}
	case events.ResourceGrantedEvent:
		return &events.ResourceGranted{}
	case events.ResourceReleasedEvent:
		return &events.ResourceReleased{}
	case events.SyncTimeoutEvent:
		return &events.SyncTimeout{}
	case events.SimulationFinishedEvent:
		return &events.SimulationFinished{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}
	return eb.subscriber.Close()
}
