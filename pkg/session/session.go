// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session assembles decoded points into charge sessions.
//
// A session holds the points of one physical activity on one output
// channel. Sessions are written by a single Machine and may be read
// concurrently through snapshots.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// FinalizeReason records why a session was closed
type FinalizeReason string

// Finalize reasons
const (
	ReasonSignatureChange    FinalizeReason = "signature-change"
	ReasonDeviceIdle         FinalizeReason = "device-idle"
	ReasonAcquisitionStopped FinalizeReason = "acquisition-stopped"
	ReasonActivationTimeout  FinalizeReason = "activation-timeout"
	ReasonDisconnected       FinalizeReason = "disconnected"
	ReasonTransportTimeout   FinalizeReason = "transport-timeout"
)

// Session is an append-only, time-ordered list of points sharing one
// activity signature
type Session struct {
	ID        uuid.UUID
	Channel   uint8
	Signature telemetry.Signature
	Created   time.Time

	// buf is owned by the writer; readers only see the published prefix
	buf       []telemetry.Point
	published atomic.Pointer[[]telemetry.Point]

	mu        sync.RWMutex
	finalized bool
	reason    FinalizeReason
	closed    time.Time
}

func newSession(sig telemetry.Signature, now time.Time) *Session {
	s := &Session{
		ID:        uuid.New(),
		Channel:   sig.Channel,
		Signature: sig,
		Created:   now,
	}
	empty := []telemetry.Point{}
	s.published.Store(&empty)
	return s
}

// append adds p and publishes the new length with a single pointer store.
// The published slice is capped so later appends never write into memory a
// reader can see.
func (s *Session) append(p telemetry.Point) {
	s.buf = append(s.buf, p)
	view := s.buf[:len(s.buf):len(s.buf)]
	s.published.Store(&view)
}

func (s *Session) finalize(reason FinalizeReason, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	s.reason = reason
	s.closed = now
	s.buf = nil
}

// Points returns the points appended so far. The slice must not be modified.
func (s *Session) Points() []telemetry.Point {
	return *s.published.Load()
}

// Len returns the number of points
func (s *Session) Len() int {
	return len(s.Points())
}

// Last returns the most recent point
func (s *Session) Last() (telemetry.Point, bool) {
	pts := s.Points()
	if len(pts) == 0 {
		return telemetry.Point{}, false
	}
	return pts[len(pts)-1], true
}

// Finalized reports whether the session is closed, and why
func (s *Session) Finalized() (bool, FinalizeReason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized, s.reason
}

// Closed returns the time the session was finalized
func (s *Session) Closed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Duration returns the device time covered by the session
func (s *Session) Duration() time.Duration {
	pts := s.Points()
	if len(pts) < 2 {
		return 0
	}
	return time.Duration(pts[len(pts)-1].Time-pts[0].Time) * time.Millisecond
}

// Snapshot is an immutable view of a session
type Snapshot struct {
	ID        uuid.UUID
	Channel   uint8
	Signature telemetry.Signature
	Created   time.Time
	Finalized bool
	Reason    FinalizeReason
	Points    []telemetry.Point
}

// Snapshot captures the current state of the session
func (s *Session) Snapshot() Snapshot {
	finalized, reason := s.Finalized()
	return Snapshot{
		ID:        s.ID,
		Channel:   s.Channel,
		Signature: s.Signature,
		Created:   s.Created,
		Finalized: finalized,
		Reason:    reason,
		Points:    s.Points(),
	}
}
