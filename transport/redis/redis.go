// Package redis provides the pub/sub channel transport for busflow over
// Redis channels. Redis pub/sub carries no metadata, so each message is
// framed in a small JSON envelope holding the header bag and the payload.
// Delivery is fire-and-forget: there is no durable position and Commit is
// a no-op.
package redis

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	redisgo "github.com/redis/go-redis/v9"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *redisgo.Options) redisgo.UniversalClient {
	return redisgo.NewClient(opts)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// envelope frames one message on the wire.
type envelope struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload"`
}

// Build creates a new Redis connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connection, error) {
	client := ClientFactory(&redisgo.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Connection{client: client, logger: logger}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Connection subscribes each topic as one Redis channel; every channel is
// its own single partition with a session-local offset sequence.
type Connection struct {
	client redisgo.UniversalClient
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	pubsubs []*redisgo.PubSub
	wg      sync.WaitGroup
	started bool
}

// Start subscribes every topic and pumps messages into the callbacks.
func (c *Connection) Start(ctx context.Context, subs []transport.Subscription, cb transport.Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	for _, sub := range subs {
		pubsub := c.client.Subscribe(ctx, sub.Topic)
		// Wait for the subscription confirmation so publishes after Start
		// are not lost.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return err
		}
		c.pubsubs = append(c.pubsubs, pubsub)

		assignment := transport.Assignment{Topic: sub.Topic, Partition: 0}
		if cb.OnAssign != nil {
			cb.OnAssign(ctx, assignment)
		}

		c.wg.Add(1)
		go c.pump(ctx, sub.Topic, pubsub, cb)
	}
	return nil
}

func (c *Connection) pump(ctx context.Context, topic string, pubsub *redisgo.PubSub, cb transport.Callbacks) {
	defer c.wg.Done()

	var offset transport.Offset
	for msg := range pubsub.Channel() {
		var env envelope
		if err := jsoncodec.Unmarshal([]byte(msg.Payload), &env); err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			continue
		}

		delivery := &transport.Delivery{
			Topic:   topic,
			Offset:  offset,
			Payload: env.Payload,
			Headers: env.Headers,
		}
		offset++

		if cb.OnMessage != nil {
			if err := cb.OnMessage(ctx, delivery); err != nil && cb.OnError != nil {
				cb.OnError(err)
			}
		}
	}

	if cb.OnClose != nil {
		cb.OnClose(ctx, transport.Assignment{Topic: topic, Partition: 0})
	}
}

// Stop closes the subscriptions and the client.
func (c *Connection) Stop() error {
	c.mu.Lock()
	pubsubs := c.pubsubs
	c.pubsubs = nil
	c.mu.Unlock()

	var firstErr error
	for _, pubsub := range pubsubs {
		if err := pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()

	if err := c.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Commit is a no-op: Redis pub/sub has no durable position.
func (c *Connection) Commit(topic string, partition int32, offset transport.Offset) error {
	return nil
}

// Send frames the payload and headers in an envelope and publishes it.
func (c *Connection) Send(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	data, err := jsoncodec.Marshal(envelope{Headers: headers, Payload: payload})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, path, data).Err()
}
