package runtime

import (
	"context"
	"reflect"
	"sync"
	"time"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/headers"
	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/serializer"
	"github.com/drblury/busflow/transport"
)

// BusDependencies holds the optional collaborators a Bus can use. Leave
// fields nil to get the defaults: JSON serializer, static locator, system
// clock, ULID request ids, the default interceptor chains, and a connection
// built from the transport registry.
type BusDependencies struct {
	Serializer serializer.Serializer
	Resolver   Resolver
	Connection transport.Connection
	Clock      Clock
	TypeNames  TypeNameResolver
	Metrics    *BusMetrics

	// RequestIDGenerator overrides the ULID request id source. Ids must be
	// unique within one bus lifetime.
	RequestIDGenerator func() string

	// MessageProvider overrides payload materialization for transports with
	// their own framing.
	MessageProvider MessageProvider

	// ProducerInterceptors and ConsumerInterceptors run after the default
	// chains, closest to the target.
	ProducerInterceptors []ProducerInterceptor
	ConsumerInterceptors []ConsumerInterceptor

	// DisableDefaultInterceptors skips the built-in chains entirely.
	DisableDefaultInterceptors bool

	// DisableResponseSending keeps handler responses in the ProcessMessage
	// result instead of emitting them on the reply channel. Used for
	// in-process request dispatch and tests.
	DisableResponseSending bool
}

type producerSettings struct {
	messageType reflect.Type
	path        string
}

type partitionKey struct {
	topic     string
	partition int32
}

// Bus hosts the registered endpoints and producers, owns the pending
// request store, and drives the transport connection. One Bus maps to one
// broker connection.
type Bus struct {
	Conf   *configpkg.Config
	Logger logging.ServiceLogger

	conn       transport.Connection
	serializer serializer.Serializer
	resolver   Resolver
	clock      Clock
	registry   *TypeRegistry
	provider   MessageProvider
	metrics    *BusMetrics

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor
	sendResponses        bool

	endpoints  []*Endpoint
	producers  map[reflect.Type]producerSettings
	processors map[string]*messageProcessor

	pending  *pendingRequestStore
	triggers *checkpointTriggerSet

	mu         sync.Mutex
	started    bool
	stopped    bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	reaperDone chan struct{}

	partsMu    sync.Mutex
	partitions map[partitionKey]*partitionProcessor
}

// NewBus constructs a Bus for the supplied configuration. Register
// endpoints and producers on the returned Bus before calling Start.
func NewBus(conf *configpkg.Config, log logging.ServiceLogger, ctx context.Context, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.Configf("config is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}

	b := &Bus{
		Conf:          conf,
		Logger:        log,
		serializer:    deps.Serializer,
		resolver:      deps.Resolver,
		clock:         deps.Clock,
		metrics:       deps.Metrics,
		provider:      deps.MessageProvider,
		sendResponses: !deps.DisableResponseSending,
		producers:     make(map[reflect.Type]producerSettings),
		processors:    make(map[string]*messageProcessor),
		partitions:    make(map[partitionKey]*partitionProcessor),
	}

	if b.serializer == nil {
		b.serializer = serializer.NewJSON()
	}
	if b.resolver == nil {
		b.resolver = NewStaticResolver()
	}
	if b.clock == nil {
		b.clock = SystemClock()
	}
	if b.metrics == nil {
		b.metrics = NewBusMetrics(nil)
	}
	if b.provider == nil {
		b.provider = func(t reflect.Type, d *transport.Delivery) (any, error) {
			return b.serializer.Deserialize(d.Payload, t)
		}
	}

	b.registry = NewTypeRegistry(deps.TypeNames)
	b.triggers = newCheckpointTriggerSet(CheckpointSettings{
		After: b.checkpointAfterDefault(),
		Every: b.checkpointEveryDefault(),
	}, b.clock)

	generator := deps.RequestIDGenerator
	if generator == nil {
		generator = ids.CreateULID
	}
	b.pending = newPendingRequestStore(b.serializer, b.clock, generator, log)

	if !deps.DisableDefaultInterceptors {
		b.producerInterceptors = DefaultProducerInterceptors(log)
		b.consumerInterceptors = DefaultConsumerInterceptors(log)
	}
	b.producerInterceptors = append(b.producerInterceptors, deps.ProducerInterceptors...)
	b.consumerInterceptors = append(b.consumerInterceptors, deps.ConsumerInterceptors...)

	if deps.Connection != nil {
		b.conn = deps.Connection
	} else {
		conn, err := transport.Build(ctx, conf, logging.NewWatermillAdapter(log))
		if err != nil {
			return nil, err
		}
		b.conn = conn
	}

	log.Info("created message bus", logging.LogFields{
		"transport": conf.Transport,
		"config":    conf,
	})
	return b, nil
}

func (b *Bus) checkpointAfterDefault() int {
	if b.Conf.CheckpointAfter > 0 {
		return b.Conf.CheckpointAfter
	}
	return configpkg.DefaultCheckpointAfter
}

func (b *Bus) checkpointEveryDefault() time.Duration {
	if b.Conf.CheckpointEvery > 0 {
		return b.Conf.CheckpointEvery
	}
	return configpkg.DefaultCheckpointEvery
}

// AddEndpoint registers a consuming endpoint. The topology is immutable
// after Start.
func (b *Bus) AddEndpoint(ep *Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errspkg.Configf("endpoints cannot be added after the bus has started")
	}
	if err := ep.validate(); err != nil {
		return err
	}
	b.endpoints = append(b.endpoints, ep)
	return nil
}

// AddProducer declares that messages of the given type are produced to
// path when Publish or Send receives them without an explicit path.
func (b *Bus) AddProducer(messageType reflect.Type, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errspkg.Configf("producers cannot be added after the bus has started")
	}
	if messageType == nil {
		return errspkg.ErrMessageTypeRequired
	}
	if path == "" {
		return errspkg.ErrEndpointPathRequired
	}
	b.producers[messageType] = producerSettings{messageType: messageType, path: path}
	return b.registry.RegisterType(messageType)
}

// Start validates the topology, connects the transport, and begins
// consuming. It does not block; cancel ctx or call Stop to shut down.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errspkg.Configf("bus already started")
	}
	if b.stopped {
		return errspkg.ErrBusStopped
	}

	if err := b.validateTopology(); err != nil {
		return err
	}
	if err := b.registerEndpointTypes(); err != nil {
		return err
	}

	for _, ep := range b.endpoints {
		b.processors[ep.Path] = newMessageProcessor(
			ep,
			b.registry,
			b.provider,
			b.resolver,
			b.consumerInterceptors,
			b,
			b.sendResponses,
			b.clock,
			b.Logger,
		)
	}

	subs := make([]transport.Subscription, 0, len(b.endpoints)+1)
	for _, ep := range b.endpoints {
		subs = append(subs, transport.Subscription{Topic: ep.Path, Group: ep.Group})
	}
	if b.Conf.ReplyTopic != "" {
		subs = append(subs, transport.Subscription{Topic: b.Conf.ReplyTopic})
	}

	b.rootCtx, b.rootCancel = context.WithCancel(ctx)

	if err := b.conn.Start(b.rootCtx, subs, transport.Callbacks{
		OnAssign:  b.onAssign,
		OnMessage: b.onMessage,
		OnRevoke:  b.onRevoke,
		OnClose:   b.onClose,
		OnError:   b.onTransportError,
	}); err != nil {
		b.rootCancel()
		return err
	}

	b.reaperDone = make(chan struct{})
	go b.runReaper()

	b.started = true
	b.Logger.Info("message bus started", logging.LogFields{
		"endpoints": len(b.endpoints),
		"transport": b.Conf.Transport,
	})
	return nil
}

func (b *Bus) validateTopology() error {
	for _, ep := range b.endpoints {
		if err := ep.validate(); err != nil {
			return err
		}
	}
	if err := b.triggers.Validate(b.endpoints); err != nil {
		return err
	}

	seen := make(map[string]string)
	for _, ep := range b.endpoints {
		if group, dup := seen[ep.Path]; dup {
			return errspkg.Configf("path %q is consumed by multiple endpoints (groups %q and %q); merge their subscribers", ep.Path, group, ep.Group)
		}
		seen[ep.Path] = ep.Group
		if ep.Path == b.Conf.ReplyTopic {
			return errspkg.Configf("path %q collides with the reply topic", ep.Path)
		}
	}
	return nil
}

func (b *Bus) registerEndpointTypes() error {
	for _, ep := range b.endpoints {
		for _, s := range ep.Subscribers {
			if err := b.registry.RegisterType(s.MessageType); err != nil {
				return err
			}
			if s.ResponseType != nil {
				if err := b.registry.RegisterType(s.ResponseType); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Stop cancels the root context, drains partitions, closes the transport,
// and disposes the pending request store. Safe to call once.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.rootCancel()

	b.partsMu.Lock()
	parts := make([]*partitionProcessor, 0, len(b.partitions))
	for _, p := range b.partitions {
		parts = append(parts, p)
	}
	b.partsMu.Unlock()
	for _, p := range parts {
		p.OnClosed()
	}

	err := b.conn.Stop()
	b.pending.Close()
	<-b.reaperDone

	b.Logger.Info("message bus stopped", nil)
	return err
}

func (b *Bus) runReaper() {
	defer close(b.reaperDone)

	ticker := time.NewTicker(b.Conf.EffectiveReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.rootCtx.Done():
			return
		case <-ticker.C:
			reaped := b.pending.ReapExpired(b.clock.Now())
			if reaped > 0 {
				b.metrics.RequestTimeouts.Add(float64(reaped))
				b.Logger.Debug("reaped expired requests", logging.LogFields{"count": reaped})
			}
			b.metrics.PendingRequests.Set(float64(b.pending.Len()))
		}
	}
}

func (b *Bus) onAssign(ctx context.Context, a transport.Assignment) {
	p := b.partitionFor(a.Topic, a.Partition)
	if p == nil {
		return
	}
	p.OnAssigned(b.rootCtx)
}

func (b *Bus) onMessage(ctx context.Context, d *transport.Delivery) error {
	p := b.partitionFor(d.Topic, d.Partition)
	if p == nil {
		b.Logger.Debug("message for unknown topic", logging.LogFields{"topic": d.Topic})
		return nil
	}
	return p.OnMessage(d)
}

func (b *Bus) onRevoke(ctx context.Context, a transport.Assignment) {
	b.partsMu.Lock()
	p, ok := b.partitions[partitionKey{topic: a.Topic, partition: a.Partition}]
	b.partsMu.Unlock()
	if ok {
		p.OnRevoked()
	}
}

func (b *Bus) onClose(ctx context.Context, a transport.Assignment) {
	b.partsMu.Lock()
	p, ok := b.partitions[partitionKey{topic: a.Topic, partition: a.Partition}]
	b.partsMu.Unlock()
	if ok {
		p.OnClosed()
	}
}

func (b *Bus) onTransportError(err error) {
	// Individual transport errors never tear down the bus; the adapter
	// retries or redelivers per its own policy.
	b.Logger.Error("transport error", err, nil)
}

// partitionFor returns the processor owning (topic, partition), creating
// it on first sight. Adapters that never announce assignments (queue and
// pub/sub brokers) get one implicit partition per topic.
func (b *Bus) partitionFor(topic string, partition int32) *partitionProcessor {
	key := partitionKey{topic: topic, partition: partition}

	b.partsMu.Lock()
	defer b.partsMu.Unlock()

	if p, ok := b.partitions[key]; ok {
		return p
	}

	process, group, ok := b.processFuncFor(topic)
	if !ok {
		return nil
	}

	p := newPartitionProcessor(
		topic,
		partition,
		b.triggers.TriggerFor(topic, group),
		b.commitOffset,
		process,
		b.Logger,
	)
	p.OnAssigned(b.rootCtx)
	b.partitions[key] = p
	return p
}

func (b *Bus) processFuncFor(topic string) (func(ctx context.Context, d *transport.Delivery) error, string, bool) {
	if topic == b.Conf.ReplyTopic && topic != "" {
		return b.handleReply, "", true
	}

	processor, ok := b.processors[topic]
	if !ok {
		return nil, "", false
	}
	return func(ctx context.Context, d *transport.Delivery) error {
		started := b.clock.Now()
		result := processor.ProcessMessage(ctx, d)
		b.observeDispatch(topic, started, result)
		return result.Err
	}, processor.endpoint.Group, true
}

func (b *Bus) observeDispatch(topic string, started time.Time, result ProcessResult) {
	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
		fields := logging.LogFields{"topic": topic}
		if result.Settings != nil {
			fields["consumer"] = result.Settings.FactoryKey
		}
		b.Logger.Error("message dispatch completed with error", result.Err, fields)
	}
	b.metrics.Consumed.WithLabelValues(topic, outcome).Inc()
	b.metrics.ProcessDuration.WithLabelValues(topic).Observe(b.clock.Now().Sub(started).Seconds())
}

func (b *Bus) commitOffset(topic string, partition int32, offset transport.Offset) error {
	if err := b.conn.Commit(topic, partition, offset); err != nil {
		return err
	}
	b.metrics.Commits.WithLabelValues(topic).Inc()
	return nil
}

// handleReply is the synthetic consumer on the reply channel: it correlates
// the inbound reply with its pending request and completes the awaiter.
func (b *Bus) handleReply(ctx context.Context, d *transport.Delivery) error {
	inbound := headers.Decode(d.Headers)

	requestID, ok := inbound.GetString(headers.KeyRequestID)
	if !ok || requestID == "" {
		b.Logger.Debug("reply without request id", logging.LogFields{"topic": d.Topic})
		return nil
	}

	remoteErr, _ := inbound.GetString(headers.KeyError)
	b.pending.Resolve(requestID, d.Payload, remoteErr)
	b.metrics.PendingRequests.Set(float64(b.pending.Len()))
	return nil
}
