package amqp

import (
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/drblury/busflow/transport"
)

func TestRegisteredInDefaultRegistry(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "amqp", caps.Name)
	assert.True(t, caps.SupportsCheckpointing)
	assert.False(t, caps.SupportsPartitioning)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AMQPCapabilities, Capabilities())
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "amqp", TransportName)
}

func TestCommitForUnknownQueueIsNoop(t *testing.T) {
	c := &Connection{consumers: map[string]*amqp091.Channel{}}
	assert.NoError(t, c.Commit("missing", 0, 5))
}
