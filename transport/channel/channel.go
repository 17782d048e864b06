// Package channel provides an in-memory loopback transport for busflow.
// Useful for testing and local development; every topic is its own single
// partition and Commit is a no-op (messages are acked after dispatch).
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new loopback connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connection, error) {
	buffer := int64(cfg.GetChannelBufferSize())
	pubSub := Factory(gochannel.Config{OutputChannelBuffer: buffer}, logger)
	return &Connection{pubSub: pubSub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Connection is the in-memory loopback. Subscribers see messages published
// through the same connection only.
type Connection struct {
	pubSub *gochannel.GoChannel

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Start subscribes every topic and pumps messages into the callbacks. Each
// topic runs on its own goroutine, preserving per-topic FIFO.
func (c *Connection) Start(ctx context.Context, subs []transport.Subscription, cb transport.Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	for _, sub := range subs {
		messages, err := c.pubSub.Subscribe(ctx, sub.Topic)
		if err != nil {
			return err
		}

		assignment := transport.Assignment{Topic: sub.Topic, Partition: 0}
		if cb.OnAssign != nil {
			cb.OnAssign(ctx, assignment)
		}

		c.wg.Add(1)
		go c.pump(ctx, sub.Topic, messages, cb)
	}
	return nil
}

func (c *Connection) pump(ctx context.Context, topic string, messages <-chan *message.Message, cb transport.Callbacks) {
	defer c.wg.Done()

	var offset transport.Offset
	for msg := range messages {
		delivery := &transport.Delivery{
			Topic:   topic,
			Offset:  offset,
			Payload: msg.Payload,
			Headers: map[string]string(msg.Metadata),
		}
		offset++

		if cb.OnMessage != nil {
			if err := cb.OnMessage(ctx, delivery); err != nil && cb.OnError != nil {
				cb.OnError(err)
			}
		}
		msg.Ack()
	}

	if cb.OnClose != nil {
		cb.OnClose(ctx, transport.Assignment{Topic: topic, Partition: 0})
	}
}

// Stop closes the pub/sub and waits for the pumps to drain.
func (c *Connection) Stop() error {
	err := c.pubSub.Close()
	c.wg.Wait()
	return err
}

// Commit is a no-op: the loopback has no durable position.
func (c *Connection) Commit(topic string, partition int32, offset transport.Offset) error {
	return nil
}

// Send publishes a payload with the given header bag to path.
func (c *Connection) Send(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata = message.Metadata(headers)
	msg.SetContext(ctx)
	return c.pubSub.Publish(path, msg)
}
