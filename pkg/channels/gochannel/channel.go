// Package gochannel provides the in-memory transport behind the event bus.
// The simulation runs in one process, so a channel-backed pubsub is the
// production transport, not just a test double.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// CreateChannel returns a publisher/subscriber pair backed by the same
// GoChannel instance.
func CreateChannel(logger watermill.LoggerAdapter) (*gochannel.GoChannel, *gochannel.GoChannel) {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)

	return pubSub, pubSub
}

// CreateSyncChannel blocks publishes until the subscriber acks, so
// collectors observe every event before the run reports. Tests use it for
// the same reason.
func CreateSyncChannel(logger watermill.LoggerAdapter) (*gochannel.GoChannel, *gochannel.GoChannel) {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            10,
			Persistent:                     true,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)

	return pubSub, pubSub
}
