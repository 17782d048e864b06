// Package headers implements the scalar header bag carried alongside every
// bus message and its codec to and from the transport metadata form.
//
// Header values are restricted to small scalars: string, int64, bool, and
// time.Time. Timestamps travel as epoch milliseconds so every transport's
// string-keyed metadata can carry them without format negotiation.
package headers

import (
	"strconv"
	"time"
)

// Well-known header keys understood by the bus runtime.
const (
	// KeyMessageType carries the resolved application message type name.
	KeyMessageType = "busflow_message_type"

	// KeyRequestID is the unique id correlating a request with its reply.
	KeyRequestID = "busflow_request_id"

	// KeyReplyTo names the topic or queue where the reply is published.
	KeyReplyTo = "busflow_reply_to"

	// KeyExpires is the absolute expiry of a request, in epoch milliseconds.
	// A request whose expiry has passed is never delivered to a handler.
	KeyExpires = "busflow_expires"

	// KeyError carries the textual handler error on a reply message.
	KeyError = "busflow_error"

	// KeyCorrelationID tags every produced message for log correlation.
	KeyCorrelationID = "busflow_correlation_id"
)

// Headers is the typed header bag. Values are string, int64, bool, or
// time.Time (int is accepted and encoded like int64); any other value
// encodes as an empty string.
type Headers map[string]any

// New constructs a Headers bag from alternating key/value pairs.
func New(pairs ...any) Headers {
	h := make(Headers, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		h[key] = pairs[i+1]
	}
	return h
}

// Clone returns a shallow copy so consumers can mutate reply headers without
// touching the inbound bag.
func (h Headers) Clone() Headers {
	cloned := make(Headers, len(h))
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned bag containing the provided key/value pair.
func (h Headers) With(key string, value any) Headers {
	cloned := make(Headers, len(h)+1)
	for k, v := range h {
		cloned[k] = v
	}
	cloned[key] = value
	return cloned
}

// GetString returns the value under key when it is a string.
func (h Headers) GetString(key string) (string, bool) {
	v, ok := h[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns the value under key as an int64, parsing decoded string
// values when necessary.
func (h Headers) GetInt(key string) (int64, bool) {
	switch v := h[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// GetBool returns the value under key as a bool, parsing decoded string
// values when necessary.
func (h Headers) GetBool(key string) (bool, bool) {
	switch v := h[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// GetTime returns the value under key as a UTC timestamp. Accepts time.Time
// values and epoch-millisecond integers or strings (the wire form).
func (h Headers) GetTime(key string) (time.Time, bool) {
	switch v := h[key].(type) {
	case time.Time:
		return v.UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case string:
		millis, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(millis).UTC(), true
	default:
		return time.Time{}, false
	}
}

// SetTime stores a timestamp under key in its wire form.
func (h Headers) SetTime(key string, t time.Time) {
	h[key] = t.UTC().UnixMilli()
}

// Encode flattens the bag into the transport's string-keyed metadata form.
func Encode(h Headers) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}

	bag := make(map[string]string, len(h))
	for k, v := range h {
		bag[k] = encodeValue(v)
	}
	return bag
}

// Decode lifts a transport metadata bag back into Headers. Values stay
// strings; the typed getters parse on access.
func Decode(bag map[string]string) Headers {
	if len(bag) == 0 {
		return Headers{}
	}

	h := make(Headers, len(bag))
	for k, v := range bag {
		h[k] = v
	}
	return h
}

func encodeValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return strconv.FormatInt(val.UTC().UnixMilli(), 10)
	default:
		return ""
	}
}
