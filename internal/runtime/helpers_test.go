package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/busflow/transport"
)

// manualClock is a hand-driven time source for deterministic expiry and
// checkpoint-window tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type commitRecord struct {
	topic     string
	partition int32
	offset    transport.Offset
}

type sentRecord struct {
	path    string
	payload []byte
	headers map[string]string
}

// fakeConnection records sends and commits. With loopback enabled it
// routes every Send back through OnMessage for the matching subscription,
// which is enough to exercise full request/response round trips in-process.
type fakeConnection struct {
	loopback bool

	mu      sync.Mutex
	cb      transport.Callbacks
	ctx     context.Context
	subs    []transport.Subscription
	commits []commitRecord
	sent    []sentRecord
	offsets map[string]transport.Offset
	started bool
	stopped bool
}

func newFakeConnection(loopback bool) *fakeConnection {
	return &fakeConnection{
		loopback: loopback,
		offsets:  make(map[string]transport.Offset),
	}
}

func (f *fakeConnection) Start(ctx context.Context, subs []transport.Subscription, cb transport.Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = ctx
	f.subs = subs
	f.cb = cb
	f.started = true
	return nil
}

func (f *fakeConnection) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeConnection) Commit(topic string, partition int32, offset transport.Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commitRecord{topic: topic, partition: partition, offset: offset})
	return nil
}

func (f *fakeConnection) Send(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentRecord{path: path, payload: payload, headers: headers})
	subscribed := false
	for _, sub := range f.subs {
		if sub.Topic == path {
			subscribed = true
			break
		}
	}
	offset := f.offsets[path]
	f.offsets[path] = offset + 1
	cb := f.cb
	runCtx := f.ctx
	f.mu.Unlock()

	if !f.loopback || !subscribed || cb.OnMessage == nil {
		return nil
	}

	delivery := &transport.Delivery{
		Topic:   path,
		Offset:  offset,
		Payload: payload,
		Headers: headers,
	}
	// Dispatch asynchronously: the sender may be blocked awaiting a reply
	// to this very message.
	go cb.OnMessage(runCtx, delivery)
	return nil
}

func (f *fakeConnection) sentTo(path string) []sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentRecord
	for _, s := range f.sent {
		if s.path == path {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeConnection) committed(topic string) []transport.Offset {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Offset
	for _, c := range f.commits {
		if c.topic == topic {
			out = append(out, c.offset)
		}
	}
	return out
}

// Test message types.

type someMessage struct {
	ID string `json:"id"`
}

type marker interface {
	isMarker()
}

type someDerivedMessage struct {
	ID     string `json:"id"`
	Extra  string `json:"extra"`
	Weight int    `json:"weight"`
}

func (someDerivedMessage) isMarker() {}

type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Message string `json:"message"`
}

// recorder is a generic consumer that records everything it handles.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
	err error
}

func (r *recorder[T]) OnHandle(ctx context.Context, m T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, m)
	return r.err
}

func (r *recorder[T]) handled() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

// echoHandler answers echo requests with the same message text.
type echoHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *echoHandler) OnHandle(ctx context.Context, req echoRequest) (echoResponse, error) {
	h.mu.Lock()
	h.calls++
	err := h.err
	h.mu.Unlock()
	if err != nil {
		return echoResponse{}, err
	}
	return echoResponse{Message: req.Message}, nil
}

func (h *echoHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
