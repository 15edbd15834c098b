// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"fmt"
	"time"
)

// Signature identifies one physical activity on a channel. Points with equal
// signatures belong to the same session.
type Signature struct {
	Channel   uint8
	Chemistry uint8
	Mode      uint8
	Cycle     uint8
}

func (s Signature) String() string {
	return fmt.Sprintf("ch%d chem=%d mode=%d cycle=%d", s.Channel, s.Chemistry, s.Mode, s.Cycle)
}

// Point is one decoded measurement. Points are immutable once returned by
// the decoder; their slices are never shared with decoder state.
type Point struct {
	Channel    uint8
	Subtype    byte
	DeviceTime uint32 // raw device timestamp, ms
	Time       int64  // monotonic per-channel time, ms
	Step       uint32 // elapsed since previous normal point, ms

	Mode      uint8
	Chemistry uint8
	Cycle     uint8

	Current      int32   // mA
	InputVoltage int32   // mV
	Voltage      int32   // mV
	Capacity     uint32  // mAh
	InternalTemp float64 // degC
	ExternalTemp float64 // degC
	Cells        []int32 // mV, 0 = no cell connected

	Power   float64 // W
	Energy  float64 // Wh
	Balance int32   // mV

	PackResistance float64   // mOhm
	CellResistance []float64 // mOhm

	Received time.Time
}

// Signature returns the activity signature of the point
func (p Point) Signature() Signature {
	return Signature{Channel: p.Channel, Chemistry: p.Chemistry, Mode: p.Mode, Cycle: p.Cycle}
}

// Fixed column names, in Values order. Cell columns follow.
var fixedColumns = []string{
	"time_ms", "current_ma", "input_mv", "voltage_mv", "capacity_mah",
	"temp_int_c", "temp_ext_c", "power_w", "energy_wh", "balance_mv", "pack_r_mohm",
}

// Columns returns the column names matching Values for a cell count:
// the fixed columns, then cellN_mv and cellN_r_mohm for every cell.
func Columns(cellCount int) []string {
	cols := make([]string, 0, len(fixedColumns)+2*cellCount)
	cols = append(cols, fixedColumns...)
	for i := 1; i <= cellCount; i++ {
		cols = append(cols, fmt.Sprintf("cell%d_mv", i))
	}
	for i := 1; i <= cellCount; i++ {
		cols = append(cols, fmt.Sprintf("cell%d_r_mohm", i))
	}
	return cols
}

// Values returns the numeric vector of the point in Columns order
func (p Point) Values() []float64 {
	v := make([]float64, 0, len(fixedColumns)+len(p.Cells)+len(p.CellResistance))
	v = append(v,
		float64(p.Time),
		float64(p.Current),
		float64(p.InputVoltage),
		float64(p.Voltage),
		float64(p.Capacity),
		p.InternalTemp,
		p.ExternalTemp,
		p.Power,
		p.Energy,
		float64(p.Balance),
		p.PackResistance,
	)
	for _, c := range p.Cells {
		v = append(v, float64(c))
	}
	for i := range p.Cells {
		r := 0.0
		if i < len(p.CellResistance) {
			r = p.CellResistance[i]
		}
		v = append(v, r)
	}
	return v
}

// CellRange returns the lowest and highest populated cell voltages and the
// number of populated cells
func (p Point) CellRange() (lo, hi int32, n int) {
	for _, c := range p.Cells {
		if c == 0 {
			continue
		}
		if n == 0 || c < lo {
			lo = c
		}
		if n == 0 || c > hi {
			hi = c
		}
		n++
	}
	return lo, hi, n
}
