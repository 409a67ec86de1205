package hub

import (
	"context"

	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/pubsub"
)

// Topic is the pub/sub topic carrying session events.
const Topic = "watchsync.events"

// Broadcaster publishes events to the pub/sub bus. Hubs attached to the
// same bus deliver them to their local subscribers.
type Broadcaster struct {
	ps    pubsub.PubSub
	codec protocol.Codec
	topic string
}

// NewBroadcaster creates a broadcaster over ps. codec is the bus format;
// nil means msgpack.
func NewBroadcaster(ps pubsub.PubSub, codec protocol.Codec) *Broadcaster {
	if codec == nil {
		codec = protocol.NewMsgPackCodec()
	}
	return &Broadcaster{ps: ps, codec: codec, topic: Topic}
}

// Publish encodes ev once and publishes it.
func (b *Broadcaster) Publish(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	data, err := b.codec.Encode(&env)
	if err != nil {
		return err
	}
	return b.ps.Publish(b.topic, data)
}

// Attach subscribes h to the bus. Frames that fail to decode are logged
// and skipped.
func (b *Broadcaster) Attach(h *Hub) (pubsub.Subscription, error) {
	return b.ps.Subscribe(b.topic, func(msg []byte) {
		env, err := b.codec.Decode(msg)
		if err != nil {
			h.logger.Warn("undecodable bus frame", logging.Err(err))
			return
		}
		if _, err := h.Deliver(env); err != nil {
			h.logger.Error("deliver failed", logging.Err(err))
		}
	})
}
