package runtime

import (
	"context"
	"reflect"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/headers"
	"github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// MessageProvider materializes the application message for the resolved
// type from a raw transport delivery. Transports with their own payload
// framing can override the serializer-backed default.
type MessageProvider func(t reflect.Type, d *transport.Delivery) (any, error)

// Responder emits a reply for a handled request. Implemented by the Bus;
// split out so the processor is testable without a transport.
type Responder interface {
	ProduceResponse(ctx context.Context, request any, requestHeaders headers.Headers, response any, responseHeaders headers.Headers, settings *SubscriberSettings) error
}

// ProcessResult is the outcome tuple of one inbound message dispatch.
//
// Err carries the last dispatch error; it is advisory for the partition
// processor, never an unhandled failure. Settings names the subscriber the
// error belongs to. Response carries the first handler response when it is
// not produced on a reply channel: response sending is disabled, or the
// request lacks a RequestId or ReplyTo header.
// Payload is the materialized message, populated for diagnostics whenever
// materialization succeeded.
type ProcessResult struct {
	Err      error
	Settings *SubscriberSettings
	Response any
	Payload  any
}

// messageProcessor dispatches one inbound transport message to every
// matching subscriber on its endpoint, in registration order.
type messageProcessor struct {
	endpoint      *Endpoint
	registry      *TypeRegistry
	provider      MessageProvider
	resolver      Resolver
	interceptors  []ConsumerInterceptor
	responder     Responder
	sendResponses bool
	clock         Clock
	log           logging.ServiceLogger
}

func newMessageProcessor(
	endpoint *Endpoint,
	registry *TypeRegistry,
	provider MessageProvider,
	resolver Resolver,
	interceptors []ConsumerInterceptor,
	responder Responder,
	sendResponses bool,
	clock Clock,
	log logging.ServiceLogger,
) *messageProcessor {
	return &messageProcessor{
		endpoint:      endpoint,
		registry:      registry,
		provider:      provider,
		resolver:      resolver,
		interceptors:  interceptors,
		responder:     responder,
		sendResponses: sendResponses,
		clock:         clock,
		log:           log,
	}
}

// ProcessMessage resolves the message type, materializes the payload, and
// dispatches to each matching subscriber through the interceptor chain.
// Dispatch errors are captured in the result, never propagated to the
// transport; the processor itself never retries.
func (p *messageProcessor) ProcessMessage(ctx context.Context, d *transport.Delivery) ProcessResult {
	inbound := headers.Decode(d.Headers)

	resolved, ok := p.resolveType(inbound)
	if !ok {
		return p.undeclared(inbound)
	}

	matching := p.matchingSubscribers(resolved)
	if len(matching) == 0 {
		return p.undeclared(inbound)
	}

	payload, err := p.provider(resolved, d)
	if err != nil {
		return ProcessResult{
			Err: errspkg.BusWrap(errspkg.KindSerialization, err, "failed to materialize payload for "+p.registry.NameFor(resolved)),
		}
	}

	result := ProcessResult{Payload: payload}

	// One resolution scope covers the whole dispatch across all matching
	// subscribers that opted into it; released on every exit path.
	var scope Scope
	defer func() {
		if scope == nil {
			return
		}
		if err := scope.Dispose(); err != nil {
			p.log.Error("failed to dispose message scope", err, logging.LogFields{"path": p.endpoint.Path})
		}
	}()

	for _, settings := range matching {
		if settings.IsHandler() {
			if expires, ok := inbound.GetTime(headers.KeyExpires); ok && !expires.After(p.clock.Now()) {
				p.log.Debug("dropping expired request", logging.LogFields{
					"path":         p.endpoint.Path,
					"message_type": p.registry.NameFor(resolved),
				})
				continue
			}
		}

		source := Resolver(p.resolver)
		if settings.PerMessageScope {
			if scope == nil {
				scope = p.resolver.CreateScope()
			}
			source = scopeResolver{scope}
		}

		target, err := source.Resolve(settings.FactoryKey)
		if err != nil {
			result.Err = errspkg.BusWrap(errspkg.KindHandler, err, "failed to resolve consumer "+settings.FactoryKey)
			result.Settings = settings
			continue
		}

		cc := &ConsumerContext{
			Path:     p.endpoint.Path,
			Context:  ctx,
			Headers:  inbound,
			Consumer: target,
			Delivery: d,
		}
		if aware, ok := target.(ConsumerWithContext); ok {
			aware.SetConsumerContext(cc)
		}

		response, err := runConsumerChain(p.interceptors, cc, payload, func() (any, error) {
			return settings.invoke(ctx, target, payload)
		})

		if settings.IsHandler() {
			p.completeRequest(ctx, &result, settings, inbound, payload, response, err)
			continue
		}
		if err != nil {
			result.Err = errspkg.BusWrap(errspkg.KindHandler, err, "consumer failed for "+p.registry.NameFor(settings.MessageType))
			result.Settings = settings
		}
	}

	return result
}

func (p *messageProcessor) resolveType(inbound headers.Headers) (reflect.Type, bool) {
	name, ok := inbound.GetString(headers.KeyMessageType)
	if !ok || name == "" {
		// No type header: assume the endpoint's first declared type.
		return p.endpoint.Subscribers[0].MessageType, true
	}
	return p.registry.Lookup(name)
}

func (p *messageProcessor) matchingSubscribers(resolved reflect.Type) []*SubscriberSettings {
	matching := make([]*SubscriberSettings, 0, len(p.endpoint.Subscribers))
	for _, s := range p.endpoint.Subscribers {
		if p.registry.Matches(resolved, s.MessageType) {
			matching = append(matching, s)
		}
	}
	return matching
}

func (p *messageProcessor) undeclared(inbound headers.Headers) ProcessResult {
	if p.endpoint.Undeclared == UndeclaredFail {
		name, _ := inbound.GetString(headers.KeyMessageType)
		return ProcessResult{
			Err: errspkg.Busf(errspkg.KindUndeclaredType, "message type %q matches no subscriber on endpoint %q", name, p.endpoint.Path),
		}
	}
	return ProcessResult{}
}

// completeRequest finishes one handler dispatch: either the response (or
// the handler error) is produced on the caller's reply channel, or it is
// surfaced in the result tuple. Never both.
func (p *messageProcessor) completeRequest(ctx context.Context, result *ProcessResult, settings *SubscriberSettings, inbound headers.Headers, request any, response any, handlerErr error) {
	requestID, hasID := inbound.GetString(headers.KeyRequestID)
	replyTo, hasReply := inbound.GetString(headers.KeyReplyTo)

	if !p.sendResponses || !hasID || !hasReply || replyTo == "" {
		if result.Response == nil && handlerErr == nil {
			result.Response = response
		}
		if handlerErr != nil {
			result.Err = errspkg.BusWrap(errspkg.KindHandler, handlerErr, "handler failed for "+p.registry.NameFor(settings.MessageType))
			result.Settings = settings
		}
		return
	}

	outbound := headers.New(headers.KeyRequestID, requestID)
	if handlerErr != nil {
		outbound[headers.KeyError] = handlerErr.Error()
		response = nil
	}

	if err := p.responder.ProduceResponse(ctx, request, inbound, response, outbound, settings); err != nil {
		result.Err = errspkg.BusWrap(errspkg.KindTransport, err, "failed to produce response to "+replyTo)
		result.Settings = settings
	}
}

// scopeResolver lets a Scope stand in where a Resolver is expected during
// one dispatch.
type scopeResolver struct {
	scope Scope
}

func (s scopeResolver) Resolve(key string) (any, error) { return s.scope.Resolve(key) }
func (s scopeResolver) CreateScope() Scope              { return s.scope }
