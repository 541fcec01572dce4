package acctguard

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher keeps the sink off the engine's hot paths: events are
// queued and delivered by a single background goroutine. With DropIfFull a
// full queue loses events instead of stalling a login.
type auditDispatcher struct {
	sink       AuditSink
	queue      chan AuditEvent
	quit       chan struct{}
	drained    chan struct{}
	dropIfFull bool
	dropped    atomic.Uint64
	stop       sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}

	d := &auditDispatcher{
		sink:       sink,
		queue:      make(chan AuditEvent, size),
		quit:       make(chan struct{}),
		drained:    make(chan struct{}),
		dropIfFull: cfg.DropIfFull,
	}
	go d.deliver()
	return d
}

// deliver owns the sink. It drains whatever is still queued after quit
// closes, then signals drained.
func (d *auditDispatcher) deliver() {
	defer close(d.drained)

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.quit:
			for {
				select {
				case event := <-d.queue:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues an event. Nil dispatchers (auditing disabled) are valid
// receivers and do nothing, as are dispatchers that were already closed.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	select {
	case <-d.quit:
		return
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		case <-d.quit:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.quit:
	}
}

// Close stops intake and blocks until queued events reach the sink.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stop.Do(func() { close(d.quit) })
	<-d.drained
}

// Dropped reports how many events were lost to a full queue.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
