// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package acquire runs the read-decode-dispatch loop of one transport.
package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/chargescope/pkg/session"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// Config configures a Worker
type Config struct {
	Descriptor        *telemetry.Descriptor
	MinPoints         int
	ActivationRetries int
	Logger            *slog.Logger
	Now               func() time.Time

	// OnPoint, if set, observes every decoded point with its anomalies.
	// It runs on the worker goroutine.
	OnPoint func(telemetry.Point, []telemetry.ValidationError)
}

// Worker owns one transport, its decoder and one session machine per
// output channel
type Worker struct {
	cfg      Config
	src      Source
	closer   io.Closer
	dec      *telemetry.Decoder
	machines []*session.Machine
	reg      *session.Registry
	stats    *telemetry.Statistics
	pub      session.Publisher
	log      *slog.Logger

	stopping  atomic.Bool
	closeOnce sync.Once
}

// NewWorker creates a worker reading src. closer, if not nil, is closed by
// Stop to interrupt a pending read. pub may be nil.
func NewWorker(cfg Config, src Source, closer io.Closer, stats *telemetry.Statistics, reg *session.Registry, pub session.Publisher) *Worker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if stats == nil {
		stats = telemetry.NewStatistics()
	}

	w := &Worker{
		cfg:    cfg,
		src:    src,
		closer: closer,
		dec:    telemetry.NewDecoder(cfg.Descriptor),
		reg:    reg,
		stats:  stats,
		pub:    pub,
		log:    cfg.Logger,
	}
	for ch := 1; ch <= cfg.Descriptor.Channels; ch++ {
		w.machines = append(w.machines, session.NewMachine(session.Config{
			Channel:           uint8(ch),
			Descriptor:        cfg.Descriptor,
			MinPoints:         cfg.MinPoints,
			ActivationRetries: cfg.ActivationRetries,
			Now:               cfg.Now,
			Logger:            cfg.Logger,
		}, reg, pub))
	}
	return w
}

// Registry returns the session registry fed by the worker
func (w *Worker) Registry() *session.Registry {
	return w.reg
}

// Stats returns the frame statistics
func (w *Worker) Stats() *telemetry.Statistics {
	return w.stats
}

// Run reads frames until ctx is cancelled, Stop is called or a terminal
// error occurs. A requested stop returns nil; a terminal error is published
// once and returned.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || w.stopping.Load() {
			w.shutdown(session.ReasonAcquisitionStopped)
			return nil
		}

		f, err := w.src.Next(ctx)
		switch {
		case err == nil:
			w.handleFrame(f)

		case errors.Is(err, telemetry.ErrTransportTimeout):
			for _, m := range w.machines {
				if terr := m.HandleTimeout(); terr != nil {
					return w.fail(m, terr)
				}
			}

		case ctx.Err() != nil || w.stopping.Load():
			w.shutdown(session.ReasonAcquisitionStopped)
			return nil

		default:
			if !errors.Is(err, telemetry.ErrTransportDisconnected) {
				err = errors.Join(telemetry.ErrTransportDisconnected, err)
			}
			return w.fail(nil, err)
		}
	}
}

// Stop requests the worker to stop and closes the transport. Safe to call
// from any goroutine, more than once.
func (w *Worker) Stop() {
	w.stopping.Store(true)
	w.closeOnce.Do(func() {
		if w.closer != nil {
			if err := w.closer.Close(); err != nil {
				w.log.Debug("close transport", "error", err)
			}
		}
	})
}

func (w *Worker) handleFrame(f telemetry.Frame) {
	p, ok, err := w.dec.Decode(f)
	if err != nil {
		w.stats.Malformed.Add(1)
		w.log.Debug("dropping frame", "frame", f.String(), "error", err)
		return
	}
	if !ok {
		w.stats.UnknownSubtypes.Add(1)
		return
	}
	w.stats.Points.Add(1)

	anomalies := telemetry.ValidatePoint(p, w.cfg.Descriptor.Limits)
	if len(anomalies) > 0 {
		w.stats.Anomalies.Add(uint64(len(anomalies)))
	}
	if w.cfg.OnPoint != nil {
		w.cfg.OnPoint(p, anomalies)
	}

	for _, m := range w.machines {
		if m.Channel() == p.Channel {
			m.HandlePoint(p)
		} else {
			m.Heartbeat()
		}
	}
}

// fail stops every machine after a terminal error and publishes a single
// event for it. m is the machine that raised err, or nil for transport
// errors.
func (w *Worker) fail(m *session.Machine, err error) error {
	evType := session.EventTransportError
	reason := session.ReasonDisconnected
	switch {
	case errors.Is(err, telemetry.ErrDeviceActivationTimeout):
		evType = session.EventActivationTimeout
		reason = session.ReasonActivationTimeout
	case errors.Is(err, telemetry.ErrTransportTimeout):
		reason = session.ReasonTransportTimeout
	}

	var ch uint8
	if m != nil {
		ch = m.Channel()
	}
	for _, other := range w.machines {
		if other == m {
			continue
		}
		if m == nil {
			other.HandleDisconnect(err)
		} else {
			other.Shutdown(reason)
		}
	}

	w.log.Error("acquisition stopped", "channel", ch, "error", err)
	if w.pub != nil {
		w.pub.Publish(session.Event{Type: evType, Channel: ch, Err: err, Time: w.cfg.Now()})
	}
	return err
}

func (w *Worker) shutdown(reason session.FinalizeReason) {
	for _, m := range w.machines {
		m.Shutdown(reason)
	}
	w.log.Info("acquisition stopped", "reason", reason)
}
