// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// ReportSource delivers fixed-size reports. ReadReport blocks for at most
// timeout and returns 0 bytes (with a nil or timeout error) when no report
// arrived. Reports longer than p are truncated to len(p).
type ReportSource interface {
	ReadReport(p []byte, timeout time.Duration) (int, error)
}

// ReportReader reads frames from a fixed-report transport. Every report is
// self-delimiting, so there is no resynchronization.
type ReportReader struct {
	src   ReportSource
	desc  *Descriptor
	stats *Statistics
	now   func() time.Time
	buf   []byte
}

// NewReportReader creates a reader for src. stats may be nil.
func NewReportReader(src ReportSource, desc *Descriptor, stats *Statistics) *ReportReader {
	return &ReportReader{
		src:   src,
		desc:  desc,
		stats: stats,
		now:   time.Now,
		buf:   make([]byte, desc.ReportSize+1), // spare byte flags oversized reports
	}
}

// ReadReport returns the next valid report as a frame. Reports failing the
// content checks are counted and dropped, and the read is retried until
// timeout elapses.
func (r *ReportReader) ReadReport(ctx context.Context, timeout time.Duration) (Frame, error) {
	deadline := r.now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			r.stats.Record(ErrTransportTimeout)
			return Frame{}, ErrTransportTimeout
		}

		n, err := r.src.ReadReport(r.buf, remaining)
		switch {
		case errors.Is(err, ErrTransportDisconnected):
			return Frame{}, err
		case err != nil && !IsTimeout(err):
			return Frame{}, fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
		case n == 0:
			continue
		}

		f, perr := r.parse(r.buf[:n])
		r.stats.Record(perr)
		if perr != nil {
			continue
		}
		return f, nil
	}
}

// parse applies the content checks to one report:
// [L] [record...L] [checksum] [zero padding]
func (r *ReportReader) parse(report []byte) (Frame, error) {
	d := r.desc
	if len(report) != d.ReportSize {
		return Frame{}, fmt.Errorf("%w: report is %d bytes, want %d", ErrMalformedFrame, len(report), d.ReportSize)
	}

	nonZero := 0
	for _, b := range report {
		if b != 0 {
			nonZero++
		}
	}
	if nonZero < d.MinNonZero {
		return Frame{}, fmt.Errorf("%w: %d non-zero bytes", ErrMalformedFrame, nonZero)
	}

	l := int(report[0])
	w := d.Checksum.Width()
	if l < HeaderSize || 1+l+w > len(report) {
		return Frame{}, fmt.Errorf("%w: record length %d", ErrMalformedFrame, l)
	}
	record := report[1 : 1+l]
	if !d.Checksum.ValidateBinary(record, report[1+l:1+l+w]) {
		return Frame{}, fmt.Errorf("%w: report %s", ErrChecksumMismatch, d.Checksum)
	}

	ch := int(record[1])
	if !d.ValidChannel(ch) {
		return Frame{}, fmt.Errorf("%w: channel %d", ErrMalformedFrame, ch)
	}

	return Frame{
		Kind:     KindReport,
		Channel:  ch,
		Raw:      bytes.Clone(report),
		Record:   bytes.Clone(record),
		Received: r.now(),
	}, nil
}
