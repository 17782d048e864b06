package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/headers"
	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/logging"
)

const tracerName = "busflow"

// DefaultProducerInterceptors returns the standard produce-side chain:
// correlation id injection, tracing, and payload logging.
func DefaultProducerInterceptors(log logging.ServiceLogger) []ProducerInterceptor {
	return []ProducerInterceptor{
		CorrelationIDInterceptor{},
		ProducerTracingInterceptor{},
		ProducerLoggingInterceptor{Logger: log},
	}
}

// DefaultConsumerInterceptors returns the standard consume-side chain:
// panic recovery, tracing, and message logging.
func DefaultConsumerInterceptors(log logging.ServiceLogger) []ConsumerInterceptor {
	return []ConsumerInterceptor{
		RecovererInterceptor{},
		ConsumerTracingInterceptor{},
		ConsumerLoggingInterceptor{Logger: log},
	}
}

// CorrelationIDInterceptor ensures every produced message carries a
// correlation identifier.
type CorrelationIDInterceptor struct{}

func (CorrelationIDInterceptor) OnProduce(ctx context.Context, env *ProducedMessage, next func(ctx context.Context) error) error {
	if _, ok := env.Headers.GetString(headers.KeyCorrelationID); !ok {
		env.Headers[headers.KeyCorrelationID] = ids.CreateULID()
	}
	return next(ctx)
}

// ProducerLoggingInterceptor logs every outbound message at debug level.
type ProducerLoggingInterceptor struct {
	Logger logging.ServiceLogger
}

func (i ProducerLoggingInterceptor) OnProduce(ctx context.Context, env *ProducedMessage, next func(ctx context.Context) error) error {
	if i.Logger != nil {
		i.Logger.Debug("producing message", logging.LogFields{
			"path":         env.Path,
			"message_type": env.Headers[headers.KeyMessageType],
			"bytes":        len(env.Payload),
		})
	}
	return next(ctx)
}

// ConsumerLoggingInterceptor logs every dispatched message at debug level.
type ConsumerLoggingInterceptor struct {
	Logger logging.ServiceLogger
}

func (i ConsumerLoggingInterceptor) OnConsume(cc *ConsumerContext, msg any, next func() (any, error)) (any, error) {
	if i.Logger != nil {
		i.Logger.Debug("handling message", logging.LogFields{
			"path":         cc.Path,
			"message_type": cc.Headers[headers.KeyMessageType],
		})
	}
	return next()
}

// ProducerTracingInterceptor wraps the transport send in an OpenTelemetry
// span.
type ProducerTracingInterceptor struct{}

func (ProducerTracingInterceptor) OnProduce(ctx context.Context, env *ProducedMessage, next func(ctx context.Context) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "busflow.produce", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination", env.Path),
		attribute.String("messaging.message_type", stringHeader(env.Headers, headers.KeyMessageType)),
	)

	err := next(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ConsumerTracingInterceptor wraps target invocation in an OpenTelemetry
// span.
type ConsumerTracingInterceptor struct{}

func (ConsumerTracingInterceptor) OnConsume(cc *ConsumerContext, msg any, next func() (any, error)) (any, error) {
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(cc.Context, "busflow.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.source", cc.Path),
		attribute.String("messaging.message_type", stringHeader(cc.Headers, headers.KeyMessageType)),
	)

	response, err := next()
	if err != nil {
		span.RecordError(err)
	}
	return response, err
}

// RecovererInterceptor converts target panics into handler errors so one
// misbehaving consumer cannot tear down its partition.
type RecovererInterceptor struct{}

func (RecovererInterceptor) OnConsume(cc *ConsumerContext, msg any, next func() (any, error)) (response any, err error) {
	defer func() {
		if r := recover(); r != nil {
			response = nil
			err = errspkg.Busf(errspkg.KindHandler, "consumer panicked: %v", r)
		}
	}()
	return next()
}

func stringHeader(h headers.Headers, key string) string {
	if v, ok := h.GetString(key); ok {
		return v
	}
	return fmt.Sprintf("%v", h[key])
}
