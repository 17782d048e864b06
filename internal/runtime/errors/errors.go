// Package errors holds the sentinel values and error types shared across the
// busflow runtime. Configuration problems are fatal at startup; everything
// that happens while a message is in flight is classified as a BusError so
// callers can branch on the failure kind at the boundary.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBusRequired          = sterrors.New("busflow: bus is required")
	ErrEndpointPathRequired = sterrors.New("busflow: endpoint path is required")
	ErrMessageTypeRequired  = sterrors.New("busflow: message type is required")
	ErrFactoryKeyRequired   = sterrors.New("busflow: consumer factory key is required")
	ErrSerializerRequired   = sterrors.New("busflow: serializer is required")
	ErrTransportRequired    = sterrors.New("busflow: transport connection is required")
	ErrLoggerRequired       = sterrors.New("busflow: logger is required")
	ErrMessageRequired      = sterrors.New("busflow: message payload is required")
	ErrReplyTopicRequired   = sterrors.New("busflow: reply topic is required for request/response")
	ErrBusStopped           = sterrors.New("busflow: bus is stopped")
	ErrDuplicateRequestID   = sterrors.New("busflow: request id already registered")
)

// ConfigurationError reports an invalid topology detected during Start.
// It is always fatal: the bus refuses to run with a broken configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "busflow: invalid configuration: " + e.Reason
}

// Configf builds a ConfigurationError from a format string.
func Configf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Kind classifies a BusError so dispatch outcomes stay distinguishable at
// the partition-processor and requester boundaries.
type Kind int

const (
	KindUnknown Kind = iota
	KindUndeclaredType
	KindSerialization
	KindHandler
	KindTransport
	KindTimeout
	KindCancelled
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindUndeclaredType:
		return "undeclared_type"
	case KindSerialization:
		return "serialization"
	case KindHandler:
		return "handler"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// BusError is the classified runtime error returned from message dispatch
// and request completion paths.
type BusError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("busflow: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("busflow: %s: %s", e.Kind, e.Msg)
}

func (e *BusError) Unwrap() error { return e.Err }

// Is matches two BusErrors by kind so errors.Is(err, &BusError{Kind: k})
// can be used as a classification check.
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Busf builds a classified BusError from a format string.
func Busf(kind Kind, format string, args ...any) *BusError {
	return &BusError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// BusWrap wraps an underlying cause with a classification.
func BusWrap(kind Kind, err error, msg string) *BusError {
	return &BusError{Kind: kind, Msg: msg, Err: err}
}

// RemoteError carries the textual error a responder attached to a reply.
// The requester's Send surfaces it verbatim.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "busflow: remote handler failed: " + e.Message
}
