// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"errors"
	"net"
	"os"
)

// Pipeline errors. Callers test with errors.Is; producers wrap with context.
var (
	ErrTransportTimeout        = errors.New("transport timeout")
	ErrChecksumMismatch        = errors.New("checksum mismatch")
	ErrMalformedFrame          = errors.New("malformed frame")
	ErrDeviceActivationTimeout = errors.New("device activation timeout")
	ErrTransportDisconnected   = errors.New("transport disconnected")
	ErrUnknownDevice           = errors.New("unknown device")
)

// ErrorKind classifies pipeline errors
type ErrorKind int

// Error kinds
const (
	KindNone      ErrorKind = iota
	KindTransient           // frame dropped or read retried, acquisition continues
	KindTerminal            // acquisition on the transport ends
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Kind classifies err. A bare transport timeout is transient; it only
// becomes terminal once a session machine exhausts its retry budget.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDeviceActivationTimeout),
		errors.Is(err, ErrTransportDisconnected),
		errors.Is(err, ErrUnknownDevice):
		return KindTerminal
	default:
		return KindTransient
	}
}

// IsTimeout reports whether err is a per-read timeout from an underlying
// transport (deadline exceeded or a net.Error timeout).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrTransportTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
