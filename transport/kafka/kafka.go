// Package kafka provides the partitioned-log transport for busflow, built
// on sarama consumer groups. Partition claims map to assign/revoke
// callbacks, and Commit marks offsets explicitly so the bus owns the
// checkpoint cadence (auto-commit is disabled).
package kafka

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ConsumerGroupFactory allows overriding the consumer group creation for
// testing.
var ConsumerGroupFactory = func(brokers []string, group string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, group, cfg)
}

// ProducerFactory allows overriding the producer creation for testing.
var ProducerFactory = func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connection, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.GetKafkaClientID()
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := ProducerFactory(cfg.GetKafkaBrokers(), saramaCfg)
	if err != nil {
		return nil, err
	}

	return &Connection{
		brokers:   cfg.GetKafkaBrokers(),
		saramaCfg: saramaCfg,
		producer:  producer,
		logger:    logger,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Connection drives one consumer group per subscription group plus a
// shared sync producer.
type Connection struct {
	brokers   []string
	saramaCfg *sarama.Config
	producer  sarama.SyncProducer
	logger    watermill.LoggerAdapter

	mu      sync.Mutex
	groups  []sarama.ConsumerGroup
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// session tracks the live consumer group session so Commit can mark
	// offsets on it. Sarama guarantees Setup/Cleanup bracket every session.
	session atomic.Pointer[sarama.ConsumerGroupSession]
}

// Start opens one sarama consumer group per distinct subscription group
// and consumes until the context is cancelled or Stop is called.
func (c *Connection) Start(ctx context.Context, subs []transport.Subscription, cb transport.Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	topicsByGroup := make(map[string][]string)
	for _, sub := range subs {
		group := sub.Group
		if group == "" {
			group = "busflow-" + sub.Topic
		}
		topicsByGroup[group] = append(topicsByGroup[group], sub.Topic)
	}

	for group, topics := range topicsByGroup {
		cg, err := ConsumerGroupFactory(c.brokers, group, c.saramaCfg)
		if err != nil {
			cancel()
			return err
		}
		c.groups = append(c.groups, cg)

		handler := &groupHandler{conn: c, callbacks: cb}

		c.wg.Add(1)
		go func(cg sarama.ConsumerGroup, topics []string) {
			defer c.wg.Done()
			for {
				if err := cg.Consume(runCtx, topics, handler); err != nil {
					if cb.OnError != nil {
						cb.OnError(err)
					}
				}
				if runCtx.Err() != nil {
					return
				}
			}
		}(cg, topics)

		c.wg.Add(1)
		go func(cg sarama.ConsumerGroup) {
			defer c.wg.Done()
			for err := range cg.Errors() {
				if cb.OnError != nil {
					cb.OnError(err)
				}
			}
		}(cg)
	}
	return nil
}

// Stop cancels consumption, closes the consumer groups, and shuts down the
// producer.
func (c *Connection) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	groups := c.groups
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var firstErr error
	for _, cg := range groups {
		if err := cg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()

	if err := c.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Commit marks the offset on the active consumer group session and flushes
// it to the broker. Kafka resumes from the next offset, hence the +1.
func (c *Connection) Commit(topic string, partition int32, offset transport.Offset) error {
	session := c.session.Load()
	if session == nil {
		return nil
	}
	s := *session
	s.MarkOffset(topic, partition, int64(offset)+1, "")
	s.Commit()
	return nil
}

// Send publishes a payload with the encoded header bag to the topic.
func (c *Connection) Send(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	recordHeaders := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	_, _, err := c.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   path,
		Value:   sarama.ByteEncoder(payload),
		Headers: recordHeaders,
	})
	return err
}

type groupHandler struct {
	conn      *Connection
	callbacks transport.Callbacks
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.conn.session.Store(&session)
	if h.callbacks.OnAssign != nil {
		for topic, partitions := range session.Claims() {
			for _, partition := range partitions {
				h.callbacks.OnAssign(session.Context(), transport.Assignment{Topic: topic, Partition: partition})
			}
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	if h.callbacks.OnRevoke != nil {
		for topic, partitions := range session.Claims() {
			for _, partition := range partitions {
				h.callbacks.OnRevoke(session.Context(), transport.Assignment{Topic: topic, Partition: partition})
			}
		}
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		headers := make(map[string]string, len(msg.Headers))
		for _, rh := range msg.Headers {
			headers[string(rh.Key)] = string(rh.Value)
		}

		delivery := &transport.Delivery{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    transport.Offset(msg.Offset),
			Payload:   msg.Value,
			Headers:   headers,
		}

		if h.callbacks.OnMessage != nil {
			if err := h.callbacks.OnMessage(session.Context(), delivery); err != nil && h.callbacks.OnError != nil {
				h.callbacks.OnError(err)
			}
		}
	}
	return nil
}
