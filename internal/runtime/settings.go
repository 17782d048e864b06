package runtime

import (
	"context"
	"fmt"
	"reflect"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// Consumer handles one declared message type. A consumer registered for an
// interface type receives every assignable message on its endpoint.
type Consumer[T any] interface {
	OnHandle(ctx context.Context, msg T) error
}

// RequestHandler handles a request and returns the response that travels
// back on the caller's reply channel.
type RequestHandler[TReq any, TResp any] interface {
	OnHandle(ctx context.Context, req TReq) (TResp, error)
}

// EndpointKind categorizes what the endpoint path names on the broker.
type EndpointKind int

const (
	EndpointKindSubscription EndpointKind = iota
	EndpointKindQueue
	EndpointKindStream
	EndpointKindDirect
)

// UndeclaredMessagePolicy controls what happens when an inbound message's
// resolved type matches none of the endpoint's subscribers.
type UndeclaredMessagePolicy int

const (
	// UndeclaredIgnore drops the message and advances.
	UndeclaredIgnore UndeclaredMessagePolicy = iota
	// UndeclaredFail classifies the message as an undeclared-type error.
	UndeclaredFail
)

// CheckpointSettings bounds how much progress may accumulate before the
// partition processor commits: after N messages or T elapsed, whichever
// comes first. When both fields are zero the bus config defaults apply;
// when only one is zero, that half of the trigger is disabled.
type CheckpointSettings struct {
	After int
	Every time.Duration
}

// InvokeFunc adapts a resolved consumer instance and a materialized message
// to the target's typed OnHandle. Handlers return their response.
type InvokeFunc func(ctx context.Context, target any, msg any) (any, error)

// SubscriberSettings describes one subscriber registered on an endpoint:
// the declared message type, how to obtain the target instance, and how to
// invoke it. ResponseType is nil for plain consumers.
type SubscriberSettings struct {
	MessageType     reflect.Type
	ResponseType    reflect.Type
	FactoryKey      string
	PerMessageScope bool
	Instances       int

	invoke InvokeFunc
}

// IsHandler reports whether this subscriber answers requests.
func (s *SubscriberSettings) IsHandler() bool { return s.ResponseType != nil }

func (s *SubscriberSettings) validate() error {
	if s.MessageType == nil {
		return errspkg.ErrMessageTypeRequired
	}
	if s.FactoryKey == "" {
		return errspkg.ErrFactoryKeyRequired
	}
	if s.invoke == nil {
		return errspkg.Configf("subscriber for %v has no invoke adapter", s.MessageType)
	}
	return nil
}

// SubscriberOption tunes one subscriber registration.
type SubscriberOption func(*SubscriberSettings)

// WithPerMessageScope resolves the target from a fresh locator scope per
// inbound message; the scope is disposed when dispatch ends.
func WithPerMessageScope() SubscriberOption {
	return func(s *SubscriberSettings) { s.PerMessageScope = true }
}

// WithInstances hints how many pooled target instances the locator should
// maintain for this subscriber.
func WithInstances(n int) SubscriberOption {
	return func(s *SubscriberSettings) {
		if n > 0 {
			s.Instances = n
		}
	}
}

// NewConsumerSettings declares a consumer subscriber for message type T,
// resolved from the service locator by factoryKey.
func NewConsumerSettings[T any](factoryKey string, opts ...SubscriberOption) *SubscriberSettings {
	s := &SubscriberSettings{
		MessageType: typeOf[T](),
		FactoryKey:  factoryKey,
		Instances:   1,
	}
	s.invoke = func(ctx context.Context, target any, msg any) (any, error) {
		consumer, ok := target.(Consumer[T])
		if !ok {
			return nil, errspkg.Busf(errspkg.KindHandler, "target %T does not consume %v", target, s.MessageType)
		}
		m, ok := msg.(T)
		if !ok {
			return nil, errspkg.Busf(errspkg.KindHandler, "message %T is not assignable to %v", msg, s.MessageType)
		}
		return nil, consumer.OnHandle(ctx, m)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHandlerSettings declares a request handler subscriber mapping TReq to
// TResp, resolved from the service locator by factoryKey.
func NewHandlerSettings[TReq any, TResp any](factoryKey string, opts ...SubscriberOption) *SubscriberSettings {
	s := &SubscriberSettings{
		MessageType:  typeOf[TReq](),
		ResponseType: typeOf[TResp](),
		FactoryKey:   factoryKey,
		Instances:    1,
	}
	s.invoke = func(ctx context.Context, target any, msg any) (any, error) {
		handler, ok := target.(RequestHandler[TReq, TResp])
		if !ok {
			return nil, errspkg.Busf(errspkg.KindHandler, "target %T does not handle %v", target, s.MessageType)
		}
		req, ok := msg.(TReq)
		if !ok {
			return nil, errspkg.Busf(errspkg.KindHandler, "message %T is not assignable to %v", msg, s.MessageType)
		}
		return handler.OnHandle(ctx, req)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Endpoint is one consuming attachment to the broker: a path, an optional
// consumer group, and the ordered subscribers dispatched for its messages.
// Endpoints are immutable once the bus starts.
type Endpoint struct {
	Path        string
	Kind        EndpointKind
	Group       string
	Undeclared  UndeclaredMessagePolicy
	Checkpoint  CheckpointSettings
	Subscribers []*SubscriberSettings
}

func (e *Endpoint) validate() error {
	if e.Path == "" {
		return errspkg.ErrEndpointPathRequired
	}
	if len(e.Subscribers) == 0 {
		return errspkg.Configf("endpoint %q has no subscribers", e.Path)
	}

	handlersByRequest := make(map[reflect.Type]int)
	for _, s := range e.Subscribers {
		if err := s.validate(); err != nil {
			return err
		}
		if s.IsHandler() {
			handlersByRequest[s.MessageType]++
		}
	}
	for t, n := range handlersByRequest {
		if n > 1 {
			return errspkg.Configf("endpoint %q registers %d handlers for request type %v; only one is allowed", e.Path, n, t)
		}
	}
	return nil
}

// Resolver is the host service locator the bus uses to instantiate consumer
// and handler objects by factory key.
type Resolver interface {
	Resolve(key string) (any, error)
	CreateScope() Scope
}

// Scope is a child resolution scope. Dispose releases everything the scope
// created, on every dispatch exit path.
type Scope interface {
	Resolve(key string) (any, error)
	Dispose() error
}

// StaticResolver is a map-backed Resolver for hosts without a DI container.
// Factories run once per Resolve call.
type StaticResolver struct {
	factories map[string]func() any
}

// NewStaticResolver builds an empty resolver; Register factories before
// starting the bus.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{factories: make(map[string]func() any)}
}

// Register associates a factory with a key. Not safe to call after Start.
func (r *StaticResolver) Register(key string, factory func() any) {
	r.factories[key] = factory
}

func (r *StaticResolver) Resolve(key string) (any, error) {
	factory, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("busflow: no factory registered for key %q", key)
	}
	return factory(), nil
}

func (r *StaticResolver) CreateScope() Scope {
	return &staticScope{parent: r}
}

type staticScope struct {
	parent  *StaticResolver
	created []any
}

func (s *staticScope) Resolve(key string) (any, error) {
	v, err := s.parent.Resolve(key)
	if err != nil {
		return nil, err
	}
	s.created = append(s.created, v)
	return v, nil
}

// Dispose closes every created instance that supports closing, in reverse
// creation order.
func (s *staticScope) Dispose() error {
	var firstErr error
	for i := len(s.created) - 1; i >= 0; i-- {
		if closer, ok := s.created[i].(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.created = nil
	return firstErr
}
