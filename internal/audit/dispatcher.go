package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls how the dispatcher buffers security events between the
// request path and the sink.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events when the buffer is saturated instead of
	// blocking the request path. Dropped events are counted, never logged.
	DropIfFull bool
}

// Dispatcher decouples event emission from sink delivery. Pipeline stages
// emit without waiting on Redis or user sinks; a single worker goroutine
// forwards buffered events in order. Close drains whatever is buffered
// before returning, so no event that was accepted is lost on shutdown.
type Dispatcher struct {
	cfg  Config
	sink Sink

	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup

	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the delivery worker. Returns nil when auditing is
// disabled; a nil Dispatcher accepts Emit/Close/Dropped calls as no-ops so
// the gate never branches on the audit setting.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Event, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.deliver()

	return d
}

func (d *Dispatcher) deliver() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain flushes events that were accepted before Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues the event for delivery. With DropIfFull set a saturated
// buffer drops the event and bumps the counter; otherwise the call blocks
// until there is room, the context ends, or the dispatcher closes.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops accepting events, drains the buffer through the sink, and
// waits for the worker to finish. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were shed under backpressure.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
