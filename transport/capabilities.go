package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what delivery guarantees are available at runtime.
type Capabilities struct {
	// SupportsOrdering indicates messages within one partition or queue are
	// delivered in order.
	SupportsOrdering bool

	// SupportsPartitioning indicates the broker shards a topic into
	// partitions that are assigned and revoked dynamically.
	SupportsPartitioning bool

	// SupportsCheckpointing indicates Commit records a durable position the
	// broker resumes from. When false, Commit is a no-op and delivery is
	// at-most-once from the broker's point of view.
	SupportsCheckpointing bool

	// SupportsConsumerGroups indicates competing consumers share a
	// subscription via a group identifier.
	SupportsConsumerGroups bool

	// SuitableForRequests indicates the transport round-trips reply
	// messages fast enough to carry request/response traffic.
	SuitableForRequests bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64

	// Name is the registry name of the transport.
	Name string
}

// Predefined capability sets for the bundled transports.
var (
	// KafkaCapabilities for the partitioned-log transport.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsOrdering:       true,
		SupportsPartitioning:   true,
		SupportsCheckpointing:  true,
		SupportsConsumerGroups: true,
		SuitableForRequests:    true,
		MaxMessageSize:         1048576,
	}

	// AMQPCapabilities for the queue transport.
	AMQPCapabilities = Capabilities{
		Name:                   "amqp",
		SupportsOrdering:       true,
		SupportsPartitioning:   false,
		SupportsCheckpointing:  true,
		SupportsConsumerGroups: false,
		SuitableForRequests:    true,
	}

	// NATSCapabilities for the JetStream transport.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsOrdering:       true,
		SupportsPartitioning:   false,
		SupportsCheckpointing:  true,
		SupportsConsumerGroups: true,
		SuitableForRequests:    true,
		MaxMessageSize:         1048576,
	}

	// RedisCapabilities for the pub/sub channel transport.
	RedisCapabilities = Capabilities{
		Name:                   "redis",
		SupportsOrdering:       true,
		SupportsPartitioning:   false,
		SupportsCheckpointing:  false,
		SupportsConsumerGroups: false,
		SuitableForRequests:    true,
	}

	// ChannelCapabilities for the in-memory loopback transport.
	ChannelCapabilities = Capabilities{
		Name:                   "channel",
		SupportsOrdering:       true,
		SupportsPartitioning:   false,
		SupportsCheckpointing:  false,
		SupportsConsumerGroups: false,
		SuitableForRequests:    true,
	}
)
