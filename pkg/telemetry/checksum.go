// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"encoding/binary"
	"fmt"
)

// Algorithm selects the frame checksum used by a device
type Algorithm string

// Supported checksum algorithms
const (
	AlgorithmXOR   Algorithm = "xor"   // 8-bit XOR of all bytes
	AlgorithmSum8  Algorithm = "sum8"  // 8-bit modular sum
	AlgorithmCRC16 Algorithm = "crc16" // CRC-16-CCITT
)

// CRC-16-CCITT parameters
const (
	CRCPolynomial = 0x1021
	CRCInitial    = 0xFFFF
)

// CalculateCRC computes CRC-16-CCITT checksum for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(CRCInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ CRCPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ParseAlgorithm validates an algorithm name from configuration
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(name); a {
	case AlgorithmXOR, AlgorithmSum8, AlgorithmCRC16:
		return a, nil
	case "":
		return AlgorithmXOR, nil
	default:
		return "", fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

// Width returns the checksum size in bytes
func (a Algorithm) Width() int {
	if a == AlgorithmCRC16 {
		return 2
	}
	return 1
}

// HexWidth returns the number of ASCII hex digits of a stream checksum
func (a Algorithm) HexWidth() int {
	return a.Width() * 2
}

// Compute returns the checksum of data. 8-bit algorithms use the low byte.
func (a Algorithm) Compute(data []byte) uint16 {
	switch a {
	case AlgorithmCRC16:
		return CalculateCRC(data)
	case AlgorithmSum8:
		var sum uint8
		for _, b := range data {
			sum += b
		}
		return uint16(sum)
	default:
		var x uint8
		for _, b := range data {
			x ^= b
		}
		return uint16(x)
	}
}

// ValidateHex checks an ASCII hex checksum tag against payload.
// Tags of the wrong width or containing non-hex characters never match.
func (a Algorithm) ValidateHex(payload, hexTag []byte) bool {
	if len(hexTag) != a.HexWidth() {
		return false
	}
	var got uint16
	for _, c := range hexTag {
		v, ok := hexNibble(c)
		if !ok {
			return false
		}
		got = got<<4 | uint16(v)
	}
	return got == a.Compute(payload)
}

// ValidateBinary checks a binary checksum tag against record.
// CRC-16 tags are big-endian.
func (a Algorithm) ValidateBinary(record, tag []byte) bool {
	if len(tag) != a.Width() {
		return false
	}
	var got uint16
	if a.Width() == 2 {
		got = binary.BigEndian.Uint16(tag)
	} else {
		got = uint16(tag[0])
	}
	return got == a.Compute(record)
}

// AppendHex appends the checksum of payload as upper-case ASCII hex
func (a Algorithm) AppendHex(dst, payload []byte) []byte {
	sum := a.Compute(payload)
	return fmt.Appendf(dst, "%0*X", a.HexWidth(), sum)
}

// AppendBinary appends the checksum of record in its binary form
func (a Algorithm) AppendBinary(dst, record []byte) []byte {
	sum := a.Compute(record)
	if a.Width() == 2 {
		return binary.BigEndian.AppendUint16(dst, sum)
	}
	return append(dst, byte(sum))
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
