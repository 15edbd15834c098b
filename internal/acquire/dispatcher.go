// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package acquire

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/chargescope/pkg/session"
)

// Sink consumes lifecycle events out of band
type Sink interface {
	Name() string
	Handle(ctx context.Context, e session.Event) error
}

// DefaultQueueSize is the event queue length used when none is configured
const DefaultQueueSize = 256

// Dispatcher queues events from acquisition workers and fans them out to
// sinks on its own goroutine. Publish never blocks: when the queue is full
// session events are dropped with a warning, while terminal events are
// held aside and delivered once the queue drains.
type Dispatcher struct {
	queue   chan session.Event
	sinks   []Sink
	log     *slog.Logger
	dropped atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}

	pendingMu sync.Mutex
	pending   []session.Event // terminal events that found the queue full
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(size int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue: make(chan session.Event, size),
		sinks: sinks,
		log:   logger,
		done:  make(chan struct{}),
	}
}

// Publish implements session.Publisher
func (d *Dispatcher) Publish(e session.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		if terminal(e) {
			d.pendingMu.Lock()
			d.pending = append(d.pending, e)
			d.pendingMu.Unlock()
			d.log.Warn("event queue full, holding terminal event", "type", e.Type, "channel", e.Channel)
			return
		}
		d.dropped.Add(1)
		d.log.Warn("event queue full, dropping event", "type", e.Type, "channel", e.Channel)
	}
}

// terminal reports whether e ends acquisition on a channel. Collaborators
// are told exactly once, so these are never dropped.
func terminal(e session.Event) bool {
	return e.Type == session.EventActivationTimeout || e.Type == session.EventTransportError
}

// Dropped returns the number of events dropped on a full queue
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Start drains the queue on a new goroutine until Close
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for e := range d.queue {
			d.deliver(ctx, e)
			if len(d.queue) == 0 {
				d.flushPending(ctx)
			}
		}
		d.flushPending(ctx)
	}()
}

// flushPending delivers held terminal events after everything queued
// before them
func (d *Dispatcher) flushPending(ctx context.Context) {
	d.pendingMu.Lock()
	pending := d.pending
	d.pending = nil
	d.pendingMu.Unlock()

	for _, e := range pending {
		d.deliver(ctx, e)
	}
}

// Close stops accepting events, delivers the queued ones and waits for the
// drain goroutine
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if started {
		<-d.done
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e session.Event) {
	for _, s := range d.sinks {
		if err := s.Handle(ctx, e); err != nil {
			d.log.Error("sink failed", "sink", s.Name(), "type", e.Type, "error", err)
		}
	}
}

// LogSink writes every event to a structured logger
type LogSink struct {
	Logger *slog.Logger
}

// Name implements Sink
func (LogSink) Name() string { return "log" }

// Handle implements Sink
func (s LogSink) Handle(_ context.Context, e session.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"type", e.Type, "channel", e.Channel}
	if e.Session != nil {
		attrs = append(attrs,
			"session", e.Session.ID,
			"signature", e.Session.Signature.String(),
			"points", e.Session.Len(),
			"duration", e.Session.Duration(),
		)
		if done, reason := e.Session.Finalized(); done {
			attrs = append(attrs, "reason", reason)
		}
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
		logger.Error("session event", attrs...)
		return nil
	}
	logger.Info("session event", attrs...)
	return nil
}
