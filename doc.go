// Package busflow is a transport-agnostic message bus that unifies typed
// publish/subscribe and request/response messaging over several brokers.
// Applications declare consumers, request handlers, and producers against a
// single configuration surface; the bus routes inbound messages by type,
// preserves per-partition processing order where the transport offers it,
// correlates request/response pairs across arbitrary reply channels, and
// runs an ordered interceptor chain on both the produce and consume paths.
//
// # Transports
//
// busflow ships 5 transports, each in its own package under transport/:
//   - channel: in-memory loopback for testing and local development
//   - kafka: partitioned log with consumer groups and offset checkpointing
//   - amqp: durable queues with cumulative acks
//   - nats: JetStream streams with durable consumers and ack floors
//   - redis: lightweight pub/sub channels
//
// Import the transports you use so they register themselves:
//
//	import _ "github.com/drblury/busflow/transport/kafka"
//
// # Consuming
//
// An Endpoint attaches subscribers to one topic or queue. Several
// subscribers can share an endpoint; each inbound message is dispatched to
// every subscriber whose declared type the resolved message type is
// assignable to, in registration order. Consumer instances are created
// through a host-provided service locator, optionally from a fresh scope
// per message.
//
//	ep := &busflow.Endpoint{Path: "orders", Group: "billing"}
//	ep.Subscribers = append(ep.Subscribers,
//		busflow.NewConsumer[OrderPlaced]("order-consumer"),
//		busflow.NewHandler[PriceRequest, PriceResponse]("price-handler"),
//	)
//
// # Request/response
//
// Send publishes a request with correlation headers and awaits the reply
// on the configured reply topic. Handler errors travel back as remote
// errors; requests that outlive their expiry never reach a handler and are
// faulted locally by the reaper.
//
//	resp, err := busflow.Send[PriceResponse](ctx, bus, PriceRequest{SKU: "A1"})
//
// # Checkpointing
//
// Consumer progress is committed per partition after N messages or T
// elapsed, whichever comes first. Endpoints sharing a (topic, group) must
// declare identical checkpoint settings; the bus refuses to start
// otherwise. Commits never regress.
//
// # Interceptors
//
// The default chains add correlation ids, OpenTelemetry spans, debug
// logging, and panic recovery; Prometheus collectors track produced and
// consumed messages, dispatch latency, commits, and pending requests.
// Custom interceptors run closest to the target and may short-circuit or
// transform results.
package busflow
