// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Statistics tracks frame statistics and error rates. Counters are updated
// by the acquisition worker and may be read concurrently.
type Statistics struct {
	StartTime time.Time

	Frames          atomic.Uint64 // frames delimited, valid or not
	Valid           atomic.Uint64
	ChecksumErrors  atomic.Uint64
	Malformed       atomic.Uint64
	Timeouts        atomic.Uint64
	Resyncs         atomic.Uint64
	SkippedBytes    atomic.Uint64
	UnknownSubtypes atomic.Uint64
	Anomalies       atomic.Uint64
	Points          atomic.Uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// Record counts the outcome of one frame-level operation
func (s *Statistics) Record(err error) {
	if s == nil {
		return
	}
	switch {
	case err == nil:
		s.Frames.Add(1)
		s.Valid.Add(1)
	case errors.Is(err, ErrChecksumMismatch):
		s.Frames.Add(1)
		s.ChecksumErrors.Add(1)
	case errors.Is(err, ErrMalformedFrame):
		s.Frames.Add(1)
		s.Malformed.Add(1)
	case errors.Is(err, ErrTransportTimeout):
		s.Timeouts.Add(1)
	}
}

func (s *Statistics) addResync() {
	if s != nil {
		s.Resyncs.Add(1)
	}
}

func (s *Statistics) addSkipped(n int) {
	if s != nil && n > 0 {
		s.SkippedBytes.Add(uint64(n))
	}
}

// StatsSnapshot is a point-in-time copy of Statistics with derived rates
type StatsSnapshot struct {
	Elapsed         time.Duration
	Frames          uint64
	Valid           uint64
	ChecksumErrors  uint64
	Malformed       uint64
	Timeouts        uint64
	Resyncs         uint64
	SkippedBytes    uint64
	UnknownSubtypes uint64
	Anomalies       uint64
	Points          uint64

	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// Snapshot copies the counters and calculates rates
func (s *Statistics) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Elapsed:         time.Since(s.StartTime),
		Frames:          s.Frames.Load(),
		Valid:           s.Valid.Load(),
		ChecksumErrors:  s.ChecksumErrors.Load(),
		Malformed:       s.Malformed.Load(),
		Timeouts:        s.Timeouts.Load(),
		Resyncs:         s.Resyncs.Load(),
		SkippedBytes:    s.SkippedBytes.Load(),
		UnknownSubtypes: s.UnknownSubtypes.Load(),
		Anomalies:       s.Anomalies.Load(),
		Points:          s.Points.Load(),
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.FrameRate = float64(snap.Frames) / secs
		snap.ErrorRate = float64(snap.ChecksumErrors+snap.Malformed) / secs
	}
	return snap
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	return s.Snapshot().String()
}

func (s StatsSnapshot) String() string {
	var validPercent, checksumPercent, malformedPercent float64
	if s.Frames > 0 {
		validPercent = float64(s.Valid) * 100.0 / float64(s.Frames)
		checksumPercent = float64(s.ChecksumErrors) * 100.0 / float64(s.Frames)
		malformedPercent = float64(s.Malformed) * 100.0 / float64(s.Frames)
	}

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.Frames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.Valid, validPercent)
	result += fmt.Sprintf("Points:          %8d\n", s.Points)

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, checksumPercent)
	}
	if s.Malformed > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.Malformed, malformedPercent)
	}
	if s.Resyncs > 0 {
		result += fmt.Sprintf("Resyncs:         %8d\n", s.Resyncs)
		result += fmt.Sprintf("  Skipped Bytes:  %7d\n", s.SkippedBytes)
	}
	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", s.Timeouts)
	}
	if s.UnknownSubtypes > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d\n", s.UnknownSubtypes)
	}
	if s.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", s.Anomalies)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}
