package runtime

import (
	"context"

	"github.com/drblury/busflow/internal/runtime/headers"
	"github.com/drblury/busflow/transport"
)

// ConsumerContext is the per-invocation bag handed to context-aware
// consumers. It is created when dispatch begins and discarded when the
// target returns; consumers must not retain it.
//
// Headers is a read-only view of the inbound bag. Consumers that need to
// derive reply headers should Clone first.
type ConsumerContext struct {
	// Path is the endpoint path the message arrived on.
	Path string

	// Context carries the per-partition cancellation; it is cancelled when
	// the partition is revoked or the bus stops.
	Context context.Context

	// Headers is the decoded inbound header bag.
	Headers headers.Headers

	// Consumer is the resolved target instance handling this message.
	Consumer any

	// Delivery is the raw transport message.
	Delivery *transport.Delivery
}

// ConsumerWithContext is implemented by consumers that want the invocation
// context injected before OnHandle runs.
type ConsumerWithContext interface {
	SetConsumerContext(cc *ConsumerContext)
}
