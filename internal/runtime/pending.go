package runtime

import (
	"reflect"
	"sync"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/serializer"
)

type requestOutcome struct {
	value any
	err   error
}

// pendingRequest is one in-flight Send awaiting its correlated reply.
type pendingRequest struct {
	id           string
	responseType reflect.Type
	expiresAt    time.Time
	done         chan requestOutcome
}

// pendingRequestStore correlates request ids with their awaiters. It is
// process-wide within one bus and safe under concurrent Register, Resolve,
// Cancel, and reaper calls.
type pendingRequestStore struct {
	serializer serializer.Serializer
	clock      Clock
	generator  func() string
	log        logging.ServiceLogger

	mu      sync.Mutex
	entries map[string]*pendingRequest
	closed  bool
}

func newPendingRequestStore(ser serializer.Serializer, clock Clock, generator func() string, log logging.ServiceLogger) *pendingRequestStore {
	return &pendingRequestStore{
		serializer: ser,
		clock:      clock,
		generator:  generator,
		log:        log,
		entries:    make(map[string]*pendingRequest),
	}
}

// NextID issues a fresh request id.
func (s *pendingRequestStore) NextID() string { return s.generator() }

// Register inserts a new awaiter. Fails when the id is already present or
// the store has been disposed.
func (s *pendingRequestStore) Register(id string, responseType reflect.Type, expiresAt time.Time) (*pendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errspkg.ErrBusStopped
	}
	if _, exists := s.entries[id]; exists {
		return nil, errspkg.ErrDuplicateRequestID
	}

	entry := &pendingRequest{
		id:           id,
		responseType: responseType,
		expiresAt:    expiresAt,
		done:         make(chan requestOutcome, 1),
	}
	s.entries[id] = entry
	return entry, nil
}

// Resolve completes the awaiter for id with either the deserialized
// response payload or a remote error. Unknown ids are ignored; late replies
// after timeout land here.
func (s *pendingRequestStore) Resolve(id string, payload []byte, remoteErr string) {
	entry, ok := s.take(id)
	if !ok {
		s.log.Debug("reply for unknown request id", logging.LogFields{"request_id": id})
		return
	}

	if remoteErr != "" {
		entry.done <- requestOutcome{err: &errspkg.RemoteError{Message: remoteErr}}
		return
	}

	value, err := s.serializer.Deserialize(payload, entry.responseType)
	if err != nil {
		entry.done <- requestOutcome{err: errspkg.BusWrap(errspkg.KindSerialization, err, "failed to deserialize response for request "+id)}
		return
	}
	entry.done <- requestOutcome{value: value}
}

// Cancel completes the awaiter with cause (a cancellation error when cause
// is nil) and removes the entry. No-op for unknown ids.
func (s *pendingRequestStore) Cancel(id string, cause error) {
	entry, ok := s.take(id)
	if !ok {
		return
	}
	if cause == nil {
		cause = errspkg.Busf(errspkg.KindCancelled, "request %s cancelled", id)
	}
	entry.done <- requestOutcome{err: cause}
}

// ReapExpired removes and faults every entry whose expiry has passed.
// Returns the number of reaped entries.
func (s *pendingRequestStore) ReapExpired(now time.Time) int {
	s.mu.Lock()
	var expired []*pendingRequest
	for id, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			expired = append(expired, entry)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		entry.done <- requestOutcome{err: errspkg.Busf(errspkg.KindTimeout, "request %s timed out", entry.id)}
	}
	return len(expired)
}

// Close faults every remaining awaiter and rejects further registrations.
func (s *pendingRequestStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remaining := make([]*pendingRequest, 0, len(s.entries))
	for id, entry := range s.entries {
		remaining = append(remaining, entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, entry := range remaining {
		entry.done <- requestOutcome{err: errspkg.ErrBusStopped}
	}
}

// Len reports the number of in-flight requests.
func (s *pendingRequestStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *pendingRequestStore) take(id string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return entry, ok
}
