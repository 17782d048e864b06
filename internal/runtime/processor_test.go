package runtime

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/headers"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/serializer"
	"github.com/drblury/busflow/transport"
)

type responderCall struct {
	response any
	headers  headers.Headers
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []responderCall
	err   error
}

func (f *fakeResponder) ProduceResponse(ctx context.Context, request any, requestHeaders headers.Headers, response any, responseHeaders headers.Headers, settings *SubscriberSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, responderCall{response: response, headers: responseHeaders.Clone()})
	return nil
}

func (f *fakeResponder) produced() []responderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]responderCall(nil), f.calls...)
}

type processorFixture struct {
	processor *messageProcessor
	registry  *TypeRegistry
	responder *fakeResponder
	clock     *manualClock
}

func newProcessorFixture(t *testing.T, ep *Endpoint, resolver Resolver, sendResponses bool, extraTypes ...reflect.Type) *processorFixture {
	t.Helper()

	registry := NewTypeRegistry(nil)
	for _, s := range ep.Subscribers {
		if err := registry.RegisterType(s.MessageType); err != nil {
			t.Fatalf("register subscriber type: %v", err)
		}
		if s.ResponseType != nil {
			if err := registry.RegisterType(s.ResponseType); err != nil {
				t.Fatalf("register response type: %v", err)
			}
		}
	}
	for _, extra := range extraTypes {
		if err := registry.RegisterType(extra); err != nil {
			t.Fatalf("register extra type: %v", err)
		}
	}

	ser := serializer.NewJSON()
	responder := &fakeResponder{}
	clock := newManualClock()

	processor := newMessageProcessor(
		ep,
		registry,
		func(tt reflect.Type, d *transport.Delivery) (any, error) {
			return ser.Deserialize(d.Payload, tt)
		},
		resolver,
		nil,
		responder,
		sendResponses,
		clock,
		logging.Nop(),
	)
	return &processorFixture{processor: processor, registry: registry, responder: responder, clock: clock}
}

func delivery(t *testing.T, topic string, body any, h headers.Headers) *transport.Delivery {
	t.Helper()

	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return &transport.Delivery{
		Topic:   topic,
		Payload: payload,
		Headers: headers.Encode(h),
	}
}

func TestProcessMessageDispatchesToMatchingSubscribers(t *testing.T) {
	derivedConsumer := &recorder[someDerivedMessage]{}
	markerConsumer := &recorder[marker]{}
	baseConsumer := &recorder[someMessage]{}
	handler := &echoHandler{}

	resolver := NewStaticResolver()
	resolver.Register("base", func() any { return baseConsumer })
	resolver.Register("derived", func() any { return derivedConsumer })
	resolver.Register("marker", func() any { return markerConsumer })
	resolver.Register("echo", func() any { return handler })

	ep := &Endpoint{
		Path: "orders",
		Subscribers: []*SubscriberSettings{
			NewConsumerSettings[someMessage]("base"),
			NewConsumerSettings[someDerivedMessage]("derived"),
			NewConsumerSettings[marker]("marker"),
			NewHandlerSettings[echoRequest, echoResponse]("echo"),
		},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	inbound := headers.New(headers.KeyMessageType, fx.registry.NameFor(reflect.TypeOf(someDerivedMessage{})))
	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "orders", someDerivedMessage{ID: "d1"}, inbound))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(derivedConsumer.handled()) != 1 {
		t.Fatal("consumer for the concrete type must run once")
	}
	if len(markerConsumer.handled()) != 1 {
		t.Fatal("consumer for the implemented interface must run once")
	}
	if len(baseConsumer.handled()) != 0 {
		t.Fatal("consumer for an unrelated type must not run")
	}
	if handler.callCount() != 0 {
		t.Fatal("request handler must not run for a non-request message")
	}
}

func TestProcessMessageUndeclaredFail(t *testing.T) {
	consumer := &recorder[someMessage]{}
	resolver := NewStaticResolver()
	resolver.Register("consumer", func() any { return consumer })

	ep := &Endpoint{
		Path:        "orders",
		Undeclared:  UndeclaredFail,
		Subscribers: []*SubscriberSettings{NewConsumerSettings[someMessage]("consumer")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	inbound := headers.New(headers.KeyMessageType, "unknown.Type")
	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "orders", someMessage{}, inbound))

	var busErr *errspkg.BusError
	if !errors.As(result.Err, &busErr) || busErr.Kind != errspkg.KindUndeclaredType {
		t.Fatalf("expected undeclared-type error, got %v", result.Err)
	}
	if len(consumer.handled()) != 0 {
		t.Fatal("no subscriber may run for an undeclared type")
	}
	if result.Payload != nil || result.Response != nil {
		t.Fatal("undeclared failure must have no side effects")
	}
}

func TestProcessMessageUndeclaredIgnore(t *testing.T) {
	resolver := NewStaticResolver()
	resolver.Register("consumer", func() any { return &recorder[someMessage]{} })

	ep := &Endpoint{
		Path:        "orders",
		Subscribers: []*SubscriberSettings{NewConsumerSettings[someMessage]("consumer")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	inbound := headers.New(headers.KeyMessageType, "unknown.Type")
	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "orders", someMessage{}, inbound))

	if result.Err != nil || result.Settings != nil || result.Response != nil || result.Payload != nil {
		t.Fatalf("ignore policy must return an empty result, got %+v", result)
	}
}

func TestProcessMessageMissingTypeHeaderUsesFirstSubscriber(t *testing.T) {
	consumer := &recorder[someMessage]{}
	resolver := NewStaticResolver()
	resolver.Register("consumer", func() any { return consumer })

	ep := &Endpoint{
		Path:        "orders",
		Subscribers: []*SubscriberSettings{NewConsumerSettings[someMessage]("consumer")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "orders", someMessage{ID: "m1"}, headers.Headers{}))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if got := consumer.handled(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("fallback dispatch failed: %v", got)
	}
}

func TestProcessMessageExpiredRequestIsDropped(t *testing.T) {
	handler := &echoHandler{}
	resolver := NewStaticResolver()
	resolver.Register("echo", func() any { return handler })

	ep := &Endpoint{
		Path:        "t",
		Subscribers: []*SubscriberSettings{NewHandlerSettings[echoRequest, echoResponse]("echo")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	inbound := headers.New(
		headers.KeyMessageType, fx.registry.NameFor(reflect.TypeOf(echoRequest{})),
		headers.KeyRequestID, "r1",
		headers.KeyReplyTo, "q-reply",
	)
	inbound.SetTime(headers.KeyExpires, fx.clock.Now().Add(-10*time.Second))

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "t", echoRequest{Message: "x"}, inbound))

	if handler.callCount() != 0 {
		t.Fatal("expired request must never reach the handler")
	}
	if result.Err != nil || result.Response != nil {
		t.Fatalf("expired request must return a clean result, got %+v", result)
	}
	if req, ok := result.Payload.(echoRequest); !ok || req.Message != "x" {
		t.Fatalf("payload must still be materialized for diagnostics, got %v", result.Payload)
	}
	if len(fx.responder.produced()) != 0 {
		t.Fatal("no response may be produced for an expired request")
	}
}

func TestProcessMessageHandlerFaultSendsErrorResponse(t *testing.T) {
	handler := &echoHandler{err: errors.New("bad")}
	resolver := NewStaticResolver()
	resolver.Register("echo", func() any { return handler })

	ep := &Endpoint{
		Path:        "t",
		Subscribers: []*SubscriberSettings{NewHandlerSettings[echoRequest, echoResponse]("echo")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	inbound := headers.New(
		headers.KeyMessageType, fx.registry.NameFor(reflect.TypeOf(echoRequest{})),
		headers.KeyRequestID, "r2",
		headers.KeyReplyTo, "q-reply",
	)

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "t", echoRequest{Message: "x"}, inbound))

	if result.Err != nil {
		t.Fatalf("handler error must travel via the response, got %v", result.Err)
	}

	calls := fx.responder.produced()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(calls))
	}
	if calls[0].response != nil {
		t.Fatalf("error response must have an empty body, got %v", calls[0].response)
	}
	if id, _ := calls[0].headers.GetString(headers.KeyRequestID); id != "r2" {
		t.Fatalf("request id must be copied to the response, got %q", id)
	}
	if msg, _ := calls[0].headers.GetString(headers.KeyError); msg != "bad" {
		t.Fatalf("error header must carry the handler message, got %q", msg)
	}
}

func TestProcessMessageHandlerSuccessProducesResponse(t *testing.T) {
	resolver := NewStaticResolver()
	resolver.Register("echo", func() any { return &echoHandler{} })

	ep := &Endpoint{
		Path:        "t",
		Subscribers: []*SubscriberSettings{NewHandlerSettings[echoRequest, echoResponse]("echo")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	inbound := headers.New(
		headers.KeyMessageType, fx.registry.NameFor(reflect.TypeOf(echoRequest{})),
		headers.KeyRequestID, "r3",
		headers.KeyReplyTo, "q-reply",
	)

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "t", echoRequest{Message: "hello"}, inbound))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Response != nil {
		t.Fatal("a produced response must not also be returned in the result")
	}

	calls := fx.responder.produced()
	if len(calls) != 1 {
		t.Fatalf("expected one produced response, got %d", len(calls))
	}
	if resp, ok := calls[0].response.(echoResponse); !ok || resp.Message != "hello" {
		t.Fatalf("unexpected response body: %v", calls[0].response)
	}
}

func TestProcessMessageResponseSurfacedWhenSendingDisabled(t *testing.T) {
	resolver := NewStaticResolver()
	resolver.Register("echo", func() any { return &echoHandler{} })

	ep := &Endpoint{
		Path:        "t",
		Subscribers: []*SubscriberSettings{NewHandlerSettings[echoRequest, echoResponse]("echo")},
	}
	fx := newProcessorFixture(t, ep, resolver, false)

	inbound := headers.New(
		headers.KeyMessageType, fx.registry.NameFor(reflect.TypeOf(echoRequest{})),
		headers.KeyRequestID, "r4",
		headers.KeyReplyTo, "q-reply",
	)

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "t", echoRequest{Message: "inproc"}, inbound))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if resp, ok := result.Response.(echoResponse); !ok || resp.Message != "inproc" {
		t.Fatalf("response must be surfaced in the result, got %v", result.Response)
	}
	if len(fx.responder.produced()) != 0 {
		t.Fatal("nothing may be produced when response sending is disabled")
	}
}

func TestProcessMessageSerializationFailure(t *testing.T) {
	resolver := NewStaticResolver()
	resolver.Register("consumer", func() any { return &recorder[someMessage]{} })

	ep := &Endpoint{
		Path:        "orders",
		Subscribers: []*SubscriberSettings{NewConsumerSettings[someMessage]("consumer")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	d := &transport.Delivery{
		Topic:   "orders",
		Payload: []byte(`{"id":`),
		Headers: headers.Encode(headers.New(headers.KeyMessageType, fx.registry.NameFor(reflect.TypeOf(someMessage{})))),
	}
	result := fx.processor.ProcessMessage(context.Background(), d)

	var busErr *errspkg.BusError
	if !errors.As(result.Err, &busErr) || busErr.Kind != errspkg.KindSerialization {
		t.Fatalf("expected serialization error, got %v", result.Err)
	}
}

func TestProcessMessageConsumerErrorCaptured(t *testing.T) {
	consumer := &recorder[someMessage]{err: errors.New("downstream out")}
	resolver := NewStaticResolver()
	resolver.Register("consumer", func() any { return consumer })

	ep := &Endpoint{
		Path:        "orders",
		Subscribers: []*SubscriberSettings{NewConsumerSettings[someMessage]("consumer")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "orders", someMessage{}, headers.Headers{}))

	var busErr *errspkg.BusError
	if !errors.As(result.Err, &busErr) || busErr.Kind != errspkg.KindHandler {
		t.Fatalf("expected handler error, got %v", result.Err)
	}
	if result.Settings == nil || result.Settings.FactoryKey != "consumer" {
		t.Fatalf("failing subscriber must be reported, got %+v", result.Settings)
	}
	if result.Payload == nil {
		t.Fatal("payload must be kept for diagnostics")
	}
}

type scopedResolver struct {
	*StaticResolver
	mu       sync.Mutex
	scopes   int
	disposed int
}

func (r *scopedResolver) CreateScope() Scope {
	r.mu.Lock()
	r.scopes++
	r.mu.Unlock()
	return &countingScope{parent: r, inner: r.StaticResolver.CreateScope()}
}

type countingScope struct {
	parent *scopedResolver
	inner  Scope
}

func (s *countingScope) Resolve(key string) (any, error) { return s.inner.Resolve(key) }

func (s *countingScope) Dispose() error {
	s.parent.mu.Lock()
	s.parent.disposed++
	s.parent.mu.Unlock()
	return s.inner.Dispose()
}

func TestProcessMessagePerMessageScopeDisposedOnError(t *testing.T) {
	consumer := &recorder[someMessage]{err: errors.New("boom")}
	resolver := &scopedResolver{StaticResolver: NewStaticResolver()}
	resolver.Register("consumer", func() any { return consumer })

	ep := &Endpoint{
		Path: "orders",
		Subscribers: []*SubscriberSettings{
			NewConsumerSettings[someMessage]("consumer", WithPerMessageScope()),
		},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	result := fx.processor.ProcessMessage(context.Background(), delivery(t, "orders", someMessage{}, headers.Headers{}))
	if result.Err == nil {
		t.Fatal("expected the consumer error to surface")
	}

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if resolver.scopes != 1 {
		t.Fatalf("exactly one scope per message, got %d", resolver.scopes)
	}
	if resolver.disposed != 1 {
		t.Fatalf("scope must be disposed on the error path, got %d", resolver.disposed)
	}
}

type contextAwareConsumer struct {
	recorder[someMessage]
	mu sync.Mutex
	cc *ConsumerContext
}

func (c *contextAwareConsumer) SetConsumerContext(cc *ConsumerContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cc = cc
}

func TestProcessMessageInjectsConsumerContext(t *testing.T) {
	consumer := &contextAwareConsumer{}
	resolver := NewStaticResolver()
	resolver.Register("consumer", func() any { return consumer })

	ep := &Endpoint{
		Path:        "orders",
		Subscribers: []*SubscriberSettings{NewConsumerSettings[someMessage]("consumer")},
	}
	fx := newProcessorFixture(t, ep, resolver, true)

	d := delivery(t, "orders", someMessage{ID: "ctx"}, headers.Headers{})
	result := fx.processor.ProcessMessage(context.Background(), d)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if consumer.cc == nil {
		t.Fatal("consumer context not injected")
	}
	if consumer.cc.Path != "orders" {
		t.Fatalf("wrong path: %q", consumer.cc.Path)
	}
	if consumer.cc.Consumer != consumer {
		t.Fatal("context must carry the resolved consumer instance")
	}
	if consumer.cc.Delivery != d {
		t.Fatal("context must carry the raw transport message")
	}
}
