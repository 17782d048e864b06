package runtime

import (
	"context"
	"reflect"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/headers"
)

// ProduceOptions tune one Publish or Send call.
type ProduceOptions struct {
	// Path overrides the producer registration's default path.
	Path string

	// Headers are merged into the outbound bag before interceptors run.
	Headers headers.Headers

	// Timeout overrides the configured request timeout (Send only).
	Timeout time.Duration
}

// ProduceOption mutates ProduceOptions.
type ProduceOption func(*ProduceOptions)

// WithPath sends to an explicit path instead of the registered default.
func WithPath(path string) ProduceOption {
	return func(o *ProduceOptions) { o.Path = path }
}

// WithHeaders merges extra headers into the outbound message.
func WithHeaders(h headers.Headers) ProduceOption {
	return func(o *ProduceOptions) { o.Headers = h }
}

// WithTimeout bounds how long Send waits for the correlated reply.
func WithTimeout(timeout time.Duration) ProduceOption {
	return func(o *ProduceOptions) { o.Timeout = timeout }
}

func applyOptions(opts []ProduceOption) ProduceOptions {
	var options ProduceOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Publish produces a fire-and-forget message. The producer interceptor
// chain runs before the transport send; Publish returns when the transport
// acknowledges.
func (b *Bus) Publish(ctx context.Context, message any, opts ...ProduceOption) error {
	if message == nil {
		return errspkg.ErrMessageRequired
	}
	options := applyOptions(opts)

	path, err := b.resolvePath(message, options)
	if err != nil {
		return err
	}
	return b.produce(ctx, path, message, options.Headers)
}

// SendRequest publishes a request with correlation headers and awaits the
// correlated response, which is deserialized into responseType. It faults
// on remote error, timeout, cancellation, or transport failure, whichever
// happens first.
func (b *Bus) SendRequest(ctx context.Context, request any, responseType reflect.Type, opts ...ProduceOption) (any, error) {
	if request == nil {
		return nil, errspkg.ErrMessageRequired
	}
	if responseType == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if b.Conf.ReplyTopic == "" {
		return nil, errspkg.ErrReplyTopicRequired
	}
	options := applyOptions(opts)

	path, err := b.resolvePath(request, options)
	if err != nil {
		return nil, err
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = b.Conf.EffectiveRequestTimeout()
	}
	expiresAt := b.clock.Now().Add(timeout)

	requestID := b.pending.NextID()
	entry, err := b.pending.Register(requestID, responseType, expiresAt)
	if err != nil {
		return nil, err
	}
	b.metrics.PendingRequests.Set(float64(b.pending.Len()))

	outbound := options.Headers.Clone()
	outbound[headers.KeyRequestID] = requestID
	outbound[headers.KeyReplyTo] = b.Conf.ReplyTopic
	outbound.SetTime(headers.KeyExpires, expiresAt)

	if err := b.produce(ctx, path, request, outbound); err != nil {
		b.pending.Cancel(requestID, err)
		<-entry.done
		return nil, err
	}

	select {
	case outcome := <-entry.done:
		return outcome.value, outcome.err
	case <-ctx.Done():
		b.pending.Cancel(requestID, errspkg.BusWrap(errspkg.KindCancelled, ctx.Err(), "request "+requestID+" cancelled"))
		outcome := <-entry.done
		return outcome.value, outcome.err
	}
}

// ProduceResponse emits a handler's response (or error) on the caller's
// reply channel. Called by the message processor; the request id is carried
// over so the requester can correlate.
func (b *Bus) ProduceResponse(ctx context.Context, request any, requestHeaders headers.Headers, response any, responseHeaders headers.Headers, settings *SubscriberSettings) error {
	replyTo, ok := requestHeaders.GetString(headers.KeyReplyTo)
	if !ok || replyTo == "" {
		return errspkg.ErrReplyTopicRequired
	}

	outbound := responseHeaders.Clone()
	if _, ok := outbound.GetString(headers.KeyRequestID); !ok {
		if id, ok := requestHeaders.GetString(headers.KeyRequestID); ok {
			outbound[headers.KeyRequestID] = id
		}
	}

	return b.produce(ctx, replyTo, response, outbound)
}

// produce serializes the message, runs the producer interceptor chain, and
// hands the encoded envelope to the transport. A nil message produces an
// empty body (error responses).
func (b *Bus) produce(ctx context.Context, path string, message any, extra headers.Headers) error {
	outbound := extra.Clone()

	var payload []byte
	if message != nil {
		var err error
		payload, err = b.serializer.Serialize(message)
		if err != nil {
			return errspkg.BusWrap(errspkg.KindSerialization, err, "failed to serialize message")
		}
		outbound[headers.KeyMessageType] = b.registry.NameFor(reflect.TypeOf(message))
	}

	env := &ProducedMessage{
		Path:    path,
		Message: message,
		Headers: outbound,
		Payload: payload,
	}

	err := runProducerChain(ctx, b.producerInterceptors, env, func(ctx context.Context) error {
		return b.conn.Send(ctx, env.Path, env.Payload, headers.Encode(env.Headers))
	})
	if err != nil {
		return errspkg.BusWrap(errspkg.KindTransport, err, "failed to produce to "+path)
	}

	b.metrics.Produced.WithLabelValues(path).Inc()
	return nil
}

// resolvePath picks the destination for a message: the explicit option, or
// the producer registration matching the message's type.
func (b *Bus) resolvePath(message any, options ProduceOptions) (string, error) {
	if options.Path != "" {
		return options.Path, nil
	}

	t := reflect.TypeOf(message)
	if settings, ok := b.producers[t]; ok {
		return settings.path, nil
	}
	// Fall back to an assignability scan so a producer declared for an
	// interface covers concrete messages.
	for declared, settings := range b.producers {
		if b.registry.Matches(t, declared) {
			return settings.path, nil
		}
	}
	return "", errspkg.Configf("no producer registered for message type %v", t)
}

// RegisterProducer declares the default path for messages of type T.
func RegisterProducer[T any](b *Bus, path string) error {
	return b.AddProducer(typeOf[T](), path)
}

// Send publishes a request of any registered type and returns the response
// deserialized as TResp.
func Send[TResp any](ctx context.Context, b *Bus, request any, opts ...ProduceOption) (TResp, error) {
	var zero TResp
	value, err := b.SendRequest(ctx, request, typeOf[TResp](), opts...)
	if err != nil {
		return zero, err
	}
	resp, ok := value.(TResp)
	if !ok {
		return zero, errspkg.Busf(errspkg.KindSerialization, "response %T is not assignable to %v", value, typeOf[TResp]())
	}
	return resp, nil
}
