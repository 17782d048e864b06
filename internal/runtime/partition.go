package runtime

import (
	"context"
	"sync"

	"github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

type partitionState int

const (
	partitionUnassigned partitionState = iota
	partitionAssigned
	partitionRunning
	partitionRevoked
	partitionClosed
)

// committer persists consumer progress for one partition; implemented by
// the transport connection.
type committer func(topic string, partition int32, offset transport.Offset) error

// partitionProcessor drives one partition's consume/checkpoint lifecycle.
// The transport adapter delivers messages serially per partition; the
// processor tracks offsets, owns the cancellation for in-flight work, and
// decides when to commit via the shared checkpoint trigger.
type partitionProcessor struct {
	topic     string
	partition int32
	trigger   *checkpointTrigger
	commit    committer
	process   func(ctx context.Context, d *transport.Delivery) error
	log       logging.ServiceLogger

	mu            sync.Mutex
	state         partitionState
	lastSeen      transport.Offset
	hasSeen       bool
	lastCommitted transport.Offset
	hasCommitted  bool
	ctx           context.Context
	cancel        context.CancelFunc

	inFlight sync.WaitGroup
}

func newPartitionProcessor(
	topic string,
	partition int32,
	trigger *checkpointTrigger,
	commit committer,
	process func(ctx context.Context, d *transport.Delivery) error,
	log logging.ServiceLogger,
) *partitionProcessor {
	return &partitionProcessor{
		topic:     topic,
		partition: partition,
		trigger:   trigger,
		commit:    commit,
		process:   process,
		log: log.With(logging.LogFields{
			"topic":     topic,
			"partition": partition,
		}),
	}
}

// OnAssigned prepares the processor for a fresh assignment: offsets and the
// checkpoint trigger reset, and a new cancellation source covers all work
// delivered under this assignment.
func (p *partitionProcessor) OnAssigned(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.ctx, p.cancel = context.WithCancel(parent)
	p.state = partitionAssigned
	p.hasSeen = false
	p.hasCommitted = false
	p.trigger.Reset()

	p.log.Debug("partition assigned", nil)
}

// OnMessage processes one delivery. Messages arriving after cancellation
// are dropped silently; the broker will redeliver them to the next owner.
func (p *partitionProcessor) OnMessage(d *transport.Delivery) error {
	p.mu.Lock()
	if p.state == partitionRevoked || p.state == partitionClosed || p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		return nil
	}
	p.state = partitionRunning
	p.lastSeen = d.Offset
	p.hasSeen = true
	ctx := p.ctx
	p.inFlight.Add(1)
	p.mu.Unlock()

	defer p.inFlight.Done()

	// Dispatch errors are advisory: the processor always advances. Retries,
	// if any, happen inside the message processor's interceptors.
	if err := p.process(ctx, d); err != nil {
		p.log.Error("message dispatch failed", err, logging.LogFields{"offset": d.Offset})
	}

	if p.trigger.Increment() {
		p.commitAt(d.Offset)
	}
	return nil
}

// OnPartitionEndReached commits at the given offset when a trigger is
// configured; log transports use it to mark catch-up completion.
func (p *partitionProcessor) OnPartitionEndReached(offset transport.Offset) {
	if p.trigger == nil {
		return
	}
	p.commitAt(offset)
}

// OnRevoked cancels in-flight work and waits for it to drain. No commit:
// the next assignee resumes from the last checkpoint.
func (p *partitionProcessor) OnRevoked() {
	p.mu.Lock()
	p.state = partitionRevoked
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.inFlight.Wait()

	p.log.Debug("partition revoked", nil)
}

// OnClosed commits at the last seen offset (best effort) and cancels.
func (p *partitionProcessor) OnClosed() {
	p.mu.Lock()
	p.state = partitionClosed
	cancel := p.cancel
	seen := p.lastSeen
	hasSeen := p.hasSeen
	p.mu.Unlock()

	if hasSeen {
		p.commitAt(seen)
	}
	if cancel != nil {
		cancel()
	}
	p.inFlight.Wait()

	p.log.Debug("partition closed", nil)
}

// commitAt records progress at offset. Commits never regress: an offset at
// or below the last committed one is a no-op.
func (p *partitionProcessor) commitAt(offset transport.Offset) {
	p.mu.Lock()
	if p.hasCommitted && offset <= p.lastCommitted {
		p.mu.Unlock()
		return
	}
	p.lastCommitted = offset
	p.hasCommitted = true
	p.mu.Unlock()

	if err := p.commit(p.topic, p.partition, offset); err != nil {
		p.log.Error("commit failed", err, logging.LogFields{"offset": offset})
	}
	p.trigger.Reset()
}
