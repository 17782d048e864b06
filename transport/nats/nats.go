// Package nats provides the checkpointed stream transport for busflow over
// NATS JetStream. The stream sequence is the offset; Commit acks every
// pending message at or below the committed sequence, which moves the
// consumer's ack floor.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "BUSFLOW"

	// DefaultAckWait is the redelivery window for unacked messages.
	DefaultAckWait = 30 * time.Second
)

// ConnectFactory allows overriding the server connection for testing.
var ConnectFactory = func(url string) (*natsgo.Conn, error) {
	return natsgo.Connect(url)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new JetStream connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connection, error) {
	nc, err := ConnectFactory(cfg.GetNATSURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	stream := cfg.GetNATSStream()
	if stream == "" {
		stream = DefaultStreamName
	}

	return &Connection{
		nc:      nc,
		js:      js,
		stream:  stream,
		pending: make(map[string]map[transport.Offset]*natsgo.Msg),
		logger:  logger,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Connection subscribes durable JetStream consumers with manual acks and
// tracks unacked messages per subject so Commit can ack cumulatively.
type Connection struct {
	nc     *natsgo.Conn
	js     natsgo.JetStreamContext
	stream string
	logger watermill.LoggerAdapter

	mu            sync.Mutex
	subscriptions []*natsgo.Subscription
	pending       map[string]map[transport.Offset]*natsgo.Msg
	started       bool
}

// Start ensures the stream covers the subscribed subjects and attaches one
// durable consumer per subscription.
func (c *Connection) Start(ctx context.Context, subs []transport.Subscription, cb transport.Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	subjects := make([]string, 0, len(subs))
	for _, sub := range subs {
		subjects = append(subjects, sub.Topic)
	}
	if err := c.ensureStream(subjects); err != nil {
		return err
	}

	for _, sub := range subs {
		durable := durableName(sub)

		assignment := transport.Assignment{Topic: sub.Topic, Partition: 0}
		if cb.OnAssign != nil {
			cb.OnAssign(ctx, assignment)
		}

		topic := sub.Topic
		subscription, err := c.js.QueueSubscribe(topic, durable, func(msg *natsgo.Msg) {
			c.deliver(ctx, topic, msg, cb)
		},
			natsgo.ManualAck(),
			natsgo.Durable(durable),
			natsgo.AckWait(DefaultAckWait),
			natsgo.BindStream(c.stream),
		)
		if err != nil {
			return err
		}
		c.subscriptions = append(c.subscriptions, subscription)
	}
	return nil
}

func (c *Connection) ensureStream(subjects []string) error {
	_, err := c.js.AddStream(&natsgo.StreamConfig{
		Name:     c.stream,
		Subjects: subjects,
	})
	if err == nil || errors.Is(err, natsgo.ErrStreamNameAlreadyInUse) {
		return nil
	}
	// The stream may exist with a narrower subject set; widen it.
	if _, updateErr := c.js.UpdateStream(&natsgo.StreamConfig{
		Name:     c.stream,
		Subjects: subjects,
	}); updateErr == nil {
		return nil
	}
	return err
}

func (c *Connection) deliver(ctx context.Context, topic string, msg *natsgo.Msg, cb transport.Callbacks) {
	meta, err := msg.Metadata()
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return
	}
	offset := transport.Offset(meta.Sequence.Stream)

	headers := make(map[string]string, len(msg.Header))
	for k, values := range msg.Header {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}

	c.mu.Lock()
	if c.pending[topic] == nil {
		c.pending[topic] = make(map[transport.Offset]*natsgo.Msg)
	}
	c.pending[topic][offset] = msg
	c.mu.Unlock()

	delivery := &transport.Delivery{
		Topic:   topic,
		Offset:  offset,
		Payload: msg.Data,
		Headers: headers,
	}

	if cb.OnMessage != nil {
		if err := cb.OnMessage(ctx, delivery); err != nil && cb.OnError != nil {
			cb.OnError(err)
		}
	}
}

// Stop drains the subscriptions and closes the connection. Unacked
// messages are redelivered to the next consumer.
func (c *Connection) Stop() error {
	c.mu.Lock()
	subscriptions := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()

	var firstErr error
	for _, sub := range subscriptions {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.nc.Close()
	return firstErr
}

// Commit acks every pending message on the subject at or below offset.
func (c *Connection) Commit(topic string, partition int32, offset transport.Offset) error {
	c.mu.Lock()
	var acked []*natsgo.Msg
	for seq, msg := range c.pending[topic] {
		if seq <= offset {
			acked = append(acked, msg)
			delete(c.pending[topic], seq)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, msg := range acked {
		if err := msg.Ack(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send publishes the payload with headers to the subject.
func (c *Connection) Send(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	msg := natsgo.NewMsg(path)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	_, err := c.js.PublishMsg(msg, natsgo.Context(ctx))
	return err
}

// durableName derives a JetStream-safe durable consumer name from the
// subscription; dots are not allowed in durable names.
func durableName(sub transport.Subscription) string {
	name := sub.Group
	if name == "" {
		name = "busflow-" + sub.Topic
	}
	return strings.ReplaceAll(name, ".", "-")
}
