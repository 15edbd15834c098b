// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// HIDRaw reads input reports from a Linux hidraw node. Every read returns
// exactly one report.
type HIDRaw struct {
	f        *os.File
	deadline bool // the descriptor supports read deadlines
}

// OpenHIDRaw opens path for reading and writing
func OpenHIDRaw(path string) (*HIDRaw, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return newHIDRaw(f), nil
}

func newHIDRaw(f *os.File) *HIDRaw {
	h := &HIDRaw{f: f, deadline: true}
	if err := f.SetReadDeadline(time.Time{}); errors.Is(err, os.ErrNoDeadline) {
		h.deadline = false
	}
	return h
}

// ReadReport implements telemetry.ReportSource. Without deadline support
// the read blocks until a report arrives.
func (h *HIDRaw) ReadReport(p []byte, timeout time.Duration) (int, error) {
	if h.deadline {
		if err := h.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fmt.Errorf("%w: %w", telemetry.ErrTransportDisconnected, err)
		}
	}
	n, err := h.f.Read(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return 0, telemetry.ErrTransportTimeout
	default:
		return 0, fmt.Errorf("%w: %w", telemetry.ErrTransportDisconnected, err)
	}
}

// WriteReport sends one output report
func (h *HIDRaw) WriteReport(report []byte) error {
	_, err := h.f.Write(report)
	return err
}

// Close closes the device; a pending ReadReport fails
func (h *HIDRaw) Close() error {
	return h.f.Close()
}
