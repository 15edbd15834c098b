// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry implements the charger telemetry wire protocol.
//
// Chargers publish one binary record per measurement. On a serial link the
// record travels as an ASCII frame ('$', two channel digits, the record in hex,
// a hex checksum, CR LF); on a USB-HID-like link it travels inside a fixed-size
// report. This package recovers frames from both transports, validates their
// checksums and decodes records into typed measurement points.
package telemetry

// Stream framing bytes
const (
	StartMarker = '$'
	CR          = '\r'
	LF          = '\n'
)

// Record subtype tags
const (
	SubtypeNormal   = 0x01 // normal telemetry
	SubtypeExtended = 0x02 // extended internal resistance telemetry
)

// HeaderSize is the length of the record header shared by all subtypes:
// tag, channel, 4-byte timestamp, mode, chemistry and cycle number.
const HeaderSize = 9

// Unit conversions applied by the decoder
const (
	PowerDivisor      = 1e6   // mA * mV -> W
	MillisPerHour     = 3.6e6 // ms -> h
	TemperatureScale  = 0.1   // raw 0.1 degC -> degC
	ResistanceScale   = 0.1   // raw 0.1 mOhm -> mOhm
	maxChannelDigits  = 2
	defaultReportSize = 64
)

// TransportKind identifies how a frame was delivered
type TransportKind int

// Transport kinds
const (
	KindStream TransportKind = iota // byte stream, '$' ... CR LF framing
	KindReport                      // fixed-size report
)

func (k TransportKind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindReport:
		return "report"
	default:
		return "unknown"
	}
}
