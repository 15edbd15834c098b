// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Record holds raw record fields in wire units. It is the input of the
// encoders used by the simulator and by tests.
type Record struct {
	Subtype   byte
	Channel   uint8
	Timestamp uint32 // ms
	Mode      uint8
	Chemistry uint8
	Cycle     uint8

	Current      int16  // mA
	InputVoltage uint16 // mV
	Voltage      uint16 // mV
	Capacity     uint32 // mAh
	InternalTemp int16  // 0.1 degC
	ExternalTemp int16  // 0.1 degC
	Cells        []uint16

	PackResistance uint16   // 0.1 mOhm
	CellResistance []uint16 // 0.1 mOhm
}

// EncodeRecord serializes r using the layout of desc. Missing cells are
// encoded as 0. Subtypes other than normal and extended only carry the
// header.
func EncodeRecord(desc *Descriptor, r Record) []byte {
	var buf []byte
	switch r.Subtype {
	case SubtypeNormal:
		buf = make([]byte, desc.NormalLength())
	case SubtypeExtended:
		buf = make([]byte, desc.ExtendedLength(desc.Chemistry(r.Chemistry).CellResistance))
	default:
		buf = make([]byte, HeaderSize)
	}

	buf[0] = r.Subtype
	buf[1] = r.Channel
	binary.LittleEndian.PutUint32(buf[2:], r.Timestamp)
	buf[6] = r.Mode
	buf[7] = r.Chemistry
	buf[8] = r.Cycle

	l := desc.Layout
	n := desc.CellCount
	switch r.Subtype {
	case SubtypeNormal:
		binary.LittleEndian.PutUint16(buf[l.Current:], uint16(r.Current))
		binary.LittleEndian.PutUint16(buf[l.InputVoltage:], r.InputVoltage)
		binary.LittleEndian.PutUint16(buf[l.Voltage:], r.Voltage)
		binary.LittleEndian.PutUint32(buf[l.Capacity:], r.Capacity)
		binary.LittleEndian.PutUint16(buf[l.InternalTemp:], uint16(r.InternalTemp))
		binary.LittleEndian.PutUint16(buf[l.ExternalTemp:], uint16(r.ExternalTemp))
		putCells(buf[l.Cells:], r.Cells, n)
	case SubtypeExtended:
		putCells(buf[l.ExtCells:], r.Cells, n)
		binary.LittleEndian.PutUint16(buf[l.ExtCells+2*n:], r.PackResistance)
		if len(buf) > l.ExtCells+2*n+2 {
			putCells(buf[l.ExtCells+2*n+2:], r.CellResistance, n)
		}
	}
	return buf
}

func putCells(dst []byte, values []uint16, n int) {
	for i := 0; i < n && i < len(values); i++ {
		binary.LittleEndian.PutUint16(dst[2*i:], values[i])
	}
}

// EncodeStreamFrame wraps a record in stream framing for channel ch
func EncodeStreamFrame(desc *Descriptor, ch int, record []byte) []byte {
	frame := make([]byte, 0, 1+maxChannelDigits+2*len(record)+desc.Checksum.HexWidth()+2)
	frame = append(frame, StartMarker)
	frame = fmt.Appendf(frame, "%02d", ch)
	frame = hex.AppendEncode(frame, record)
	// upper-case hex, as sent by the devices
	for i := 1 + maxChannelDigits; i < len(frame); i++ {
		if c := frame[i]; c >= 'a' && c <= 'f' {
			frame[i] = c - 'a' + 'A'
		}
	}
	frame = desc.Checksum.AppendHex(frame, frame[1:])
	return append(frame, CR, LF)
}

// EncodeReport places a record in a fixed-size report
func EncodeReport(desc *Descriptor, record []byte) ([]byte, error) {
	w := desc.Checksum.Width()
	if len(record) > 255 || 1+len(record)+w > desc.ReportSize {
		return nil, fmt.Errorf("record of %d bytes does not fit a %d byte report", len(record), desc.ReportSize)
	}
	report := make([]byte, 1, desc.ReportSize)
	report[0] = byte(len(record))
	report = append(report, record...)
	report = desc.Checksum.AppendBinary(report, record)
	return report[:desc.ReportSize], nil
}
