// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"fmt"
	"strings"
)

// FormatPoint formats a point into a human-readable string
func FormatPoint(p Point, desc *Descriptor) string {
	timestamp := p.Received.Format("15:04:05.000")
	mode := desc.Mode(p.Mode)
	chem := desc.Chemistry(p.Chemistry)

	result := fmt.Sprintf("[%s] ch%d %s (0x%02X) %s %s cycle=%d t=%s\n",
		timestamp, p.Channel, FormatSubtype(p.Subtype), p.Subtype, mode.Name, chem.Name, p.Cycle, FormatDuration(uint64(p.Time)))

	if p.Subtype == SubtypeNormal {
		result += fmt.Sprintf("  Current: %d mA, Input: %.3f V, Battery: %.3f V\n",
			p.Current, float64(p.InputVoltage)/1000, float64(p.Voltage)/1000)
		result += fmt.Sprintf("  Capacity: %d mAh, Power: %.2f W, Energy: %.3f Wh\n", p.Capacity, p.Power, p.Energy)
		result += fmt.Sprintf("  Temp: int=%.1f°C ext=%.1f°C\n", p.InternalTemp, p.ExternalTemp)
	} else {
		result += fmt.Sprintf("  Pack Resistance: %.1f mΩ\n", p.PackResistance)
	}

	result += "  Cells: " + FormatCells(p.Cells)
	result += fmt.Sprintf(" (balance %d mV)\n", p.Balance)

	if p.Subtype == SubtypeExtended && len(p.CellResistance) > 0 {
		parts := make([]string, len(p.CellResistance))
		for i, r := range p.CellResistance {
			parts[i] = fmt.Sprintf("%.1f", r)
		}
		result += "  Cell R: [" + strings.Join(parts, " ") + "] mΩ\n"
	}

	return result
}

// FormatCells formats cell voltages, marking unpopulated cells with "-"
func FormatCells(cells []int32) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		if c == 0 {
			parts[i] = "-"
		} else {
			parts[i] = fmt.Sprintf("%d", c)
		}
	}
	return "[" + strings.Join(parts, " ") + "] mV"
}

// FormatSubtype returns the human-readable name for a record subtype
func FormatSubtype(subtype byte) string {
	switch subtype {
	case SubtypeNormal:
		return "NORMAL"
	case SubtypeExtended:
		return "EXTENDED_IR"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", subtype)
	}
}

// FormatDuration formats milliseconds as a human-readable duration
func FormatDuration(ms uint64) string {
	seconds := ms / 1000
	if seconds == 0 {
		return fmt.Sprintf("%d ms", ms)
	}

	const (
		secondsPerMinute = 60
		secondsPerHour   = 60 * secondsPerMinute
		secondsPerDay    = 24 * secondsPerHour
	)

	days := seconds / secondsPerDay
	seconds %= secondsPerDay
	hours := seconds / secondsPerHour
	seconds %= secondsPerHour
	minutes := seconds / secondsPerMinute
	seconds %= secondsPerMinute

	parts := []string{}
	parts = appendUnit(parts, days, "day")
	parts = appendUnit(parts, hours, "hour")
	parts = appendUnit(parts, minutes, "minute")
	parts = appendUnit(parts, seconds, "second")

	switch len(parts) {
	case 0:
		return "0 seconds"
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		last := parts[len(parts)-1]
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + last
	}
}

func appendUnit(parts []string, n uint64, unit string) []string {
	switch n {
	case 0:
		return parts
	case 1:
		return append(parts, "1 "+unit)
	default:
		return append(parts, fmt.Sprintf("%d %ss", n, unit))
	}
}
