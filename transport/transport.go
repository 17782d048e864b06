// Package transport defines the broker-facing contract of the busflow core.
// Each concrete adapter (kafka, amqp, nats, redis, channel) lives in its own
// sub-package and registers itself with the transport registry.
//
// The core drives a Connection through callbacks: the adapter announces
// partition assignment and revocation, delivers messages one at a time per
// partition, and exposes an explicit commit so the bus controls checkpoint
// cadence. Transports without a positional offset (redis, channel) treat
// Commit as a no-op and each subscription as its own single partition.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
)

// Offset is the opaque per-partition position reported by the adapter.
// Offsets are monotonically increasing within one partition.
type Offset int64

// Delivery is one inbound transport message handed to the core.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    Offset
	Payload   []byte
	Headers   map[string]string
}

// Assignment identifies one partition (or queue/subscription, for
// non-partitioned brokers) handed to this consumer.
type Assignment struct {
	Topic     string
	Partition int32
}

// Subscription names a (topic, consumer group) pair the bus wants consumed.
type Subscription struct {
	Topic string
	Group string
}

// Callbacks are supplied by the core when starting a connection.
//
// OnMessage is invoked serially per partition; its error is advisory (the
// adapter must not tear down the partition because one message failed).
// OnRevoke must not be followed by further OnMessage calls for that
// assignment until a new OnAssign arrives.
type Callbacks struct {
	OnAssign  func(ctx context.Context, a Assignment)
	OnMessage func(ctx context.Context, d *Delivery) error
	OnRevoke  func(ctx context.Context, a Assignment)
	OnClose   func(ctx context.Context, a Assignment)
	OnError   func(err error)
}

// Connection is the per-broker client contract consumed by the bus core.
// Implementations must be safe for concurrent Send calls while consuming.
type Connection interface {
	// Start begins consuming the given subscriptions and fires callbacks
	// until the context is cancelled or Stop is called. It does not block.
	Start(ctx context.Context, subs []Subscription, cb Callbacks) error

	// Stop drains in-flight work and closes the underlying clients.
	Stop() error

	// Commit records consumer progress at the given offset. Adapters for
	// brokers without positional commits implement this as a no-op.
	Commit(topic string, partition int32, offset Offset) error

	// Send publishes a payload with the encoded header bag to path.
	Send(ctx context.Context, path string, payload []byte, headers map[string]string) error
}

// Builder is the function signature for creating a connection from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Connection, error)

// Config provides the configuration values needed by transports. The
// interface lets adapters access only the keys they need without depending
// on the full config package.
type Config interface {
	// GetTransport returns the transport name used for registry lookup.
	GetTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// AMQP
	GetAMQPURL() string

	// NATS JetStream
	GetNATSURL() string
	GetNATSStream() string

	// Redis
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// Channel (in-memory loopback)
	GetChannelBufferSize() int
}
