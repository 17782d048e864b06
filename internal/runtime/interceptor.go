package runtime

import (
	"context"

	"github.com/drblury/busflow/internal/runtime/headers"
)

// ProducedMessage is the mutable envelope a producer interceptor sees
// before the transport send. Interceptors may amend Headers; Payload is
// populated before the chain runs.
type ProducedMessage struct {
	Path    string
	Message any
	Headers headers.Headers
	Payload []byte
}

// ProducerInterceptor wraps the produce path. Implementations must call
// next exactly once to continue, or skip it to short-circuit the send.
type ProducerInterceptor interface {
	OnProduce(ctx context.Context, env *ProducedMessage, next func(ctx context.Context) error) error
}

// ConsumerInterceptor wraps target invocation on the consume path. For
// request handlers the returned value is the response; interceptors may
// transform it. Implementations must call next at most once.
type ConsumerInterceptor interface {
	OnConsume(cc *ConsumerContext, msg any, next func() (any, error)) (any, error)
}

// The chains hold an explicit cursor instead of nesting closures; one chain
// value is built per message and each next() advances the cursor once.

type producerChain struct {
	interceptors []ProducerInterceptor
	idx          int
	env          *ProducedMessage
	terminal     func(ctx context.Context) error
}

func (c *producerChain) next(ctx context.Context) error {
	if c.idx < len(c.interceptors) {
		interceptor := c.interceptors[c.idx]
		c.idx++
		return interceptor.OnProduce(ctx, c.env, c.next)
	}
	return c.terminal(ctx)
}

func runProducerChain(ctx context.Context, interceptors []ProducerInterceptor, env *ProducedMessage, terminal func(ctx context.Context) error) error {
	chain := &producerChain{interceptors: interceptors, env: env, terminal: terminal}
	return chain.next(ctx)
}

type consumerChain struct {
	interceptors []ConsumerInterceptor
	idx          int
	cc           *ConsumerContext
	msg          any
	terminal     func() (any, error)
}

func (c *consumerChain) next() (any, error) {
	if c.idx < len(c.interceptors) {
		interceptor := c.interceptors[c.idx]
		c.idx++
		return interceptor.OnConsume(c.cc, c.msg, c.next)
	}
	return c.terminal()
}

func runConsumerChain(interceptors []ConsumerInterceptor, cc *ConsumerContext, msg any, terminal func() (any, error)) (any, error) {
	chain := &consumerChain{interceptors: interceptors, cc: cc, msg: msg, terminal: terminal}
	return chain.next()
}
