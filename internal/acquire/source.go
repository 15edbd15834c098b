// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package acquire

import (
	"context"
	"io"
	"time"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// Source yields checksum-valid frames from one transport
type Source interface {
	Next(ctx context.Context) (telemetry.Frame, error)
}

// StreamSource frames a byte stream
type StreamSource struct {
	sync *telemetry.Synchronizer
}

// NewStreamSource wraps r in a frame synchronizer
func NewStreamSource(r io.Reader, desc *telemetry.Descriptor, frameTimeout time.Duration, stats *telemetry.Statistics) *StreamSource {
	cfg := telemetry.SyncConfig{Descriptor: desc, FrameTimeout: frameTimeout}
	return &StreamSource{sync: telemetry.NewSynchronizer(r, cfg, stats)}
}

// Next returns the next valid frame
func (s *StreamSource) Next(ctx context.Context) (telemetry.Frame, error) {
	return s.sync.ReadFrame(ctx)
}

// State returns the synchronizer state
func (s *StreamSource) State() telemetry.SyncState {
	return s.sync.State()
}

// ReportFrames reads fixed-size reports
type ReportFrames struct {
	reader  *telemetry.ReportReader
	timeout time.Duration
}

// NewReportFrames wraps src in a report reader. Each Next call waits at
// most frameTimeout for a valid report.
func NewReportFrames(src telemetry.ReportSource, desc *telemetry.Descriptor, frameTimeout time.Duration, stats *telemetry.Statistics) *ReportFrames {
	return &ReportFrames{
		reader:  telemetry.NewReportReader(src, desc, stats),
		timeout: frameTimeout,
	}
}

// Next returns the next valid report
func (r *ReportFrames) Next(ctx context.Context) (telemetry.Frame, error) {
	return r.reader.ReadReport(ctx, r.timeout)
}
