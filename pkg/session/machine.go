// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// State is the session machine state of one channel
type State int

// Machine states
const (
	NoSession State = iota
	Active
	AwaitingActivity
	Stopped
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Active:
		return "active"
	case AwaitingActivity:
		return "awaiting-activity"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Defaults for Config
const (
	DefaultMinPoints         = 10
	DefaultActivationRetries = 120
)

// Config configures a Machine
type Config struct {
	Channel    uint8
	Descriptor *telemetry.Descriptor
	// MinPoints is the smallest session kept when a terminal condition or
	// an idle device closes it
	MinPoints int
	// ActivationRetries is the number of consecutive transport timeouts
	// tolerated before the channel stops
	ActivationRetries int
	Now               func() time.Time
	Logger            *slog.Logger
}

// Machine drives the session lifecycle of one output channel. It is not
// safe for concurrent use; the acquisition worker is its only caller.
type Machine struct {
	cfg Config
	reg *Registry
	pub Publisher
	log *slog.Logger

	state     State
	current   *Session
	executing bool // last point reported a running activity
	misses    int  // consecutive transport timeouts
	err       error
}

// NewMachine creates a machine for cfg.Channel. pub may be nil.
func NewMachine(cfg Config, reg *Registry, pub Publisher) *Machine {
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = DefaultMinPoints
	}
	if cfg.ActivationRetries <= 0 {
		cfg.ActivationRetries = DefaultActivationRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		cfg: cfg,
		reg: reg,
		pub: pub,
		log: logger.With("channel", cfg.Channel),
	}
	reg.setState(cfg.Channel, NoSession)
	return m
}

// Channel returns the output channel driven by the machine
func (m *Machine) Channel() uint8 {
	return m.cfg.Channel
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Err returns the error that stopped the machine
func (m *Machine) Err() error {
	return m.err
}

// Current returns the open session, or nil
func (m *Machine) Current() *Session {
	return m.current
}

// Budget returns the number of transport timeouts left before the machine
// stops
func (m *Machine) Budget() int {
	return m.cfg.ActivationRetries - m.misses
}

// HandlePoint applies one decoded point of this channel
func (m *Machine) HandlePoint(p telemetry.Point) {
	if m.state == Stopped {
		return
	}
	m.misses = 0
	m.executing = m.cfg.Descriptor.Executing(p.Mode)

	if !m.executing {
		if m.current != nil {
			m.close(ReasonDeviceIdle)
		}
		m.setState(AwaitingActivity)
		return
	}

	sig := p.Signature()
	if m.current != nil && m.current.Signature != sig {
		m.finalize(ReasonSignatureChange)
	}
	if m.current == nil {
		m.open(sig)
	}
	m.current.append(p)
	m.setState(Active)
}

// Heartbeat notes a valid frame for another channel of the same transport
func (m *Machine) Heartbeat() {
	m.misses = 0
}

// HandleTimeout applies one transport timeout. It returns the terminal
// error when the retry budget is exhausted by this timeout.
//
// Sessions are only closed by an idle point, so a device that goes silent
// while executing keeps its session open until the budget runs out.
func (m *Machine) HandleTimeout() error {
	if m.state == Stopped {
		return nil
	}
	m.misses++

	if !m.executing {
		m.setState(AwaitingActivity)
	}

	if m.misses < m.cfg.ActivationRetries {
		return nil
	}
	if m.executing {
		return m.stop(ReasonTransportTimeout,
			fmt.Errorf("%w: no frame after %d timeouts", telemetry.ErrTransportTimeout, m.misses))
	}
	return m.stop(ReasonActivationTimeout,
		fmt.Errorf("%w: channel %d idle after %d timeouts", telemetry.ErrDeviceActivationTimeout, m.cfg.Channel, m.misses))
}

// HandleDisconnect stops the machine after an unrecoverable transport error
func (m *Machine) HandleDisconnect(err error) error {
	if m.state == Stopped {
		return nil
	}
	return m.stop(ReasonDisconnected, err)
}

// Shutdown stops the machine without error, keeping the open session if it
// holds enough points
func (m *Machine) Shutdown(reason FinalizeReason) {
	if m.state == Stopped {
		return
	}
	m.stop(reason, nil)
}

func (m *Machine) stop(reason FinalizeReason, err error) error {
	if m.current != nil {
		m.close(reason)
	}
	m.err = err
	m.setState(Stopped)
	if err != nil {
		m.log.Warn("channel stopped", "reason", reason, "error", err)
	}
	return err
}

func (m *Machine) open(sig telemetry.Signature) {
	s := newSession(sig, m.cfg.Now())
	m.current = s
	m.reg.open(s)
	m.log.Info("session opened", "session", s.ID, "signature", sig.String())
	m.publish(Event{Type: EventSessionOpened, Channel: m.cfg.Channel, Session: s})
}

// close finalizes the open session when it is large enough, otherwise
// discards it
func (m *Machine) close(reason FinalizeReason) {
	if m.current.Len() >= m.cfg.MinPoints {
		m.finalize(reason)
		return
	}
	s := m.current
	m.current = nil
	m.reg.discard(s)
	m.log.Info("session discarded", "session", s.ID, "points", s.Len(), "reason", reason)
}

func (m *Machine) finalize(reason FinalizeReason) {
	s := m.current
	m.current = nil
	s.finalize(reason, m.cfg.Now())
	m.reg.finalize(s)
	m.log.Info("session finalized", "session", s.ID, "points", s.Len(), "reason", reason)
	m.publish(Event{Type: EventSessionFinalized, Channel: m.cfg.Channel, Session: s})
}

func (m *Machine) setState(st State) {
	if m.state == st {
		return
	}
	m.state = st
	m.reg.setState(m.cfg.Channel, st)
}

func (m *Machine) publish(e Event) {
	if m.pub == nil {
		return
	}
	e.Time = m.cfg.Now()
	m.pub.Publish(e)
}
