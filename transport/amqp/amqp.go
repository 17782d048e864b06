// Package amqp provides the queue transport for busflow over AMQP 0.9.1.
// Every queue is its own single partition; delivery tags are the offsets
// and Commit acks cumulatively up to the committed tag.
package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "amqp"

// DialFactory allows overriding the broker connection for testing.
var DialFactory = func(url string) (*amqp091.Connection, error) {
	return amqp091.Dial(url)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AMQPCapabilities)
}

// Build creates a new AMQP connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connection, error) {
	conn, err := DialFactory(cfg.GetAMQPURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Connection{
		conn:      conn,
		publishCh: publishCh,
		consumers: make(map[string]*amqp091.Channel),
		logger:    logger,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AMQPCapabilities
}

// Connection consumes one channel per queue and publishes on a dedicated
// channel. Channels are not safe for concurrent publish, so Send is
// serialized.
type Connection struct {
	conn      *amqp091.Connection
	publishCh *amqp091.Channel
	logger    watermill.LoggerAdapter

	mu        sync.Mutex
	consumers map[string]*amqp091.Channel
	wg        sync.WaitGroup
	started   bool

	sendMu sync.Mutex
}

// Start declares and consumes every subscribed queue.
func (c *Connection) Start(ctx context.Context, subs []transport.Subscription, cb transport.Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	for _, sub := range subs {
		ch, err := c.conn.Channel()
		if err != nil {
			return err
		}
		if err := ch.Qos(1, 0, false); err != nil {
			return err
		}

		queue, err := ch.QueueDeclare(sub.Topic, true, false, false, false, nil)
		if err != nil {
			return err
		}

		deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
		if err != nil {
			return err
		}

		c.consumers[sub.Topic] = ch

		assignment := transport.Assignment{Topic: sub.Topic, Partition: 0}
		if cb.OnAssign != nil {
			cb.OnAssign(ctx, assignment)
		}

		c.wg.Add(1)
		go c.pump(ctx, sub.Topic, deliveries, cb)
	}
	return nil
}

func (c *Connection) pump(ctx context.Context, topic string, deliveries <-chan amqp091.Delivery, cb transport.Callbacks) {
	defer c.wg.Done()

	for d := range deliveries {
		headers := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				headers[k] = s
			} else {
				headers[k] = fmt.Sprintf("%v", v)
			}
		}

		delivery := &transport.Delivery{
			Topic:   topic,
			Offset:  transport.Offset(d.DeliveryTag),
			Payload: d.Body,
			Headers: headers,
		}

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

// Stop closes the consuming channels and the broker connection.
func (c *Connection) Stop() error {
	c.mu.Lock()
	consumers := c.consumers
	c.consumers = make(map[string]*amqp091.Channel)
	c.mu.Unlock()

	var firstErr error
	for _, ch := range consumers {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()

	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Commit acks all deliveries up to the committed tag on the queue's
// channel.
func (c *Connection) Commit(topic string, partition int32, offset transport.Offset) error {
	c.mu.Lock()
	ch, ok := c.consumers[topic]
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return ch.Ack(uint64(offset), true)
}

// Send publishes the payload directly to the named queue via the default
// exchange.
func (c *Connection) Send(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	table := make(amqp091.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return c.publishCh.PublishWithContext(ctx, "", path, false, false, amqp091.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp091.Persistent,
		Headers:      table,
		Body:         payload,
	})
}
