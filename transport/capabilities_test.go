package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityPresets(t *testing.T) {
	assert.Equal(t, "kafka", KafkaCapabilities.Name)
	assert.True(t, KafkaCapabilities.SupportsPartitioning)
	assert.True(t, KafkaCapabilities.SupportsCheckpointing)
	assert.True(t, KafkaCapabilities.SupportsConsumerGroups)

	assert.Equal(t, "amqp", AMQPCapabilities.Name)
	assert.True(t, AMQPCapabilities.SupportsCheckpointing)
	assert.False(t, AMQPCapabilities.SupportsPartitioning)

	assert.Equal(t, "nats", NATSCapabilities.Name)
	assert.True(t, NATSCapabilities.SupportsCheckpointing)

	assert.Equal(t, "redis", RedisCapabilities.Name)
	assert.False(t, RedisCapabilities.SupportsCheckpointing)

	assert.Equal(t, "channel", ChannelCapabilities.Name)
	assert.True(t, ChannelCapabilities.SupportsOrdering)
	assert.False(t, ChannelCapabilities.SupportsCheckpointing)
}
