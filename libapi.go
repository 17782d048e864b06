package busflow

import (
	"context"

	runtimepkg "github.com/drblury/busflow/internal/runtime"
	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	headerspkg "github.com/drblury/busflow/internal/runtime/headers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	serializerpkg "github.com/drblury/busflow/serializer"
	transportpkg "github.com/drblury/busflow/transport"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	BusMetrics      = runtimepkg.BusMetrics

	Endpoint                = runtimepkg.Endpoint
	EndpointKind            = runtimepkg.EndpointKind
	UndeclaredMessagePolicy = runtimepkg.UndeclaredMessagePolicy
	CheckpointSettings      = runtimepkg.CheckpointSettings
	SubscriberSettings      = runtimepkg.SubscriberSettings
	SubscriberOption        = runtimepkg.SubscriberOption
	ProduceOption           = runtimepkg.ProduceOption

	Consumer[T any]                     = runtimepkg.Consumer[T]
	RequestHandler[TReq any, TResp any] = runtimepkg.RequestHandler[TReq, TResp]
	ConsumerContext                     = runtimepkg.ConsumerContext
	ConsumerWithContext                 = runtimepkg.ConsumerWithContext

	ProducerInterceptor = runtimepkg.ProducerInterceptor
	ConsumerInterceptor = runtimepkg.ConsumerInterceptor
	ProducedMessage     = runtimepkg.ProducedMessage
	MessageProvider     = runtimepkg.MessageProvider
	ProcessResult       = runtimepkg.ProcessResult

	Resolver       = runtimepkg.Resolver
	Scope          = runtimepkg.Scope
	StaticResolver = runtimepkg.StaticResolver

	TypeNameResolver = runtimepkg.TypeNameResolver
	Clock            = runtimepkg.Clock

	Headers = headerspkg.Headers

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Serializer = serializerpkg.Serializer

	BusError           = errspkg.BusError
	ErrorKind          = errspkg.Kind
	ConfigurationError = errspkg.ConfigurationError
	RemoteError        = errspkg.RemoteError

	// Transport contract (modular transport packages register themselves;
	// import them via: _ "github.com/drblury/busflow/transport/kafka").
	TransportConnection   = transportpkg.Connection
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	TransportDelivery     = transportpkg.Delivery
	TransportOffset       = transportpkg.Offset
)

var (
	NewBus         = runtimepkg.NewBus
	ValidateConfig = configpkg.ValidateConfig

	NewStaticResolver = runtimepkg.NewStaticResolver
	SystemClock       = runtimepkg.SystemClock
	DefaultTypeName   = runtimepkg.DefaultTypeName
	NewBusMetrics     = runtimepkg.NewBusMetrics

	// Subscriber options
	WithPerMessageScope = runtimepkg.WithPerMessageScope
	WithInstances       = runtimepkg.WithInstances

	// Produce options
	WithPath    = runtimepkg.WithPath
	WithHeaders = runtimepkg.WithHeaders
	WithTimeout = runtimepkg.WithTimeout

	// Built-in interceptors
	DefaultProducerInterceptors = runtimepkg.DefaultProducerInterceptors
	DefaultConsumerInterceptors = runtimepkg.DefaultConsumerInterceptors

	// Header helpers
	NewHeaders    = headerspkg.New
	EncodeHeaders = headerspkg.Encode
	DecodeHeaders = headerspkg.Decode

	// Serializers
	NewJSONSerializer      = serializerpkg.NewJSON
	NewProtoJSONSerializer = serializerpkg.NewProtoJSON

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	// Modular transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetTransportCapabilities = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID

	ErrBusRequired          = errspkg.ErrBusRequired
	ErrEndpointPathRequired = errspkg.ErrEndpointPathRequired
	ErrMessageTypeRequired  = errspkg.ErrMessageTypeRequired
	ErrFactoryKeyRequired   = errspkg.ErrFactoryKeyRequired
	ErrReplyTopicRequired   = errspkg.ErrReplyTopicRequired
	ErrBusStopped           = errspkg.ErrBusStopped
)

// Endpoint kinds.
const (
	EndpointKindSubscription = runtimepkg.EndpointKindSubscription
	EndpointKindQueue        = runtimepkg.EndpointKindQueue
	EndpointKindStream       = runtimepkg.EndpointKindStream
	EndpointKindDirect       = runtimepkg.EndpointKindDirect
)

// Undeclared-message policies.
const (
	UndeclaredIgnore = runtimepkg.UndeclaredIgnore
	UndeclaredFail   = runtimepkg.UndeclaredFail
)

// Error kinds carried by BusError.
const (
	ErrorKindUndeclaredType = errspkg.KindUndeclaredType
	ErrorKindSerialization  = errspkg.KindSerialization
	ErrorKindHandler        = errspkg.KindHandler
	ErrorKindTransport      = errspkg.KindTransport
	ErrorKindTimeout        = errspkg.KindTimeout
	ErrorKindCancelled      = errspkg.KindCancelled
	ErrorKindRemote         = errspkg.KindRemote
)

// Well-known header keys.
const (
	HeaderMessageType   = headerspkg.KeyMessageType
	HeaderRequestID     = headerspkg.KeyRequestID
	HeaderReplyTo       = headerspkg.KeyReplyTo
	HeaderExpires       = headerspkg.KeyExpires
	HeaderError         = headerspkg.KeyError
	HeaderCorrelationID = headerspkg.KeyCorrelationID
)

// NewConsumer declares a consumer subscriber for message type T, resolved
// from the service locator by factoryKey.
func NewConsumer[T any](factoryKey string, opts ...SubscriberOption) *SubscriberSettings {
	return runtimepkg.NewConsumerSettings[T](factoryKey, opts...)
}

// NewHandler declares a request handler subscriber mapping TReq to TResp,
// resolved from the service locator by factoryKey.
func NewHandler[TReq any, TResp any](factoryKey string, opts ...SubscriberOption) *SubscriberSettings {
	return runtimepkg.NewHandlerSettings[TReq, TResp](factoryKey, opts...)
}

// RegisterProducer declares the default path for messages of type T.
func RegisterProducer[T any](b *Bus, path string) error {
	return runtimepkg.RegisterProducer[T](b, path)
}

// Send publishes a request and awaits the correlated response as TResp.
func Send[TResp any](ctx context.Context, b *Bus, request any, opts ...ProduceOption) (TResp, error) {
	return runtimepkg.Send[TResp](ctx, b, request, opts...)
}
