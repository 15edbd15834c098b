// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// channelState is the decoder state kept per output channel
type channelState struct {
	seen      bool
	lastStamp uint32
	lastStep  uint32
	hasStep   bool
	elapsed   int64   // monotonic ms
	energy    float64 // Wh

	last     Point // last normal point
	hasLast  bool
	packR    float64
	cellR    []float64
	hasCellR bool
}

// Decoder turns frames into points. It keeps per-channel timing and energy
// state and is owned by a single acquisition worker.
type Decoder struct {
	desc     *Descriptor
	channels map[uint8]*channelState
}

// NewDecoder creates a decoder for desc
func NewDecoder(desc *Descriptor) *Decoder {
	return &Decoder{
		desc:     desc,
		channels: make(map[uint8]*channelState),
	}
}

// Reset clears all per-channel state
func (d *Decoder) Reset() {
	d.channels = make(map[uint8]*channelState)
}

// Energy returns the accumulated energy of a channel in Wh
func (d *Decoder) Energy(ch uint8) float64 {
	if st, ok := d.channels[ch]; ok {
		return st.energy
	}
	return 0
}

func (d *Decoder) state(ch uint8) *channelState {
	st, ok := d.channels[ch]
	if !ok {
		st = &channelState{}
		d.channels[ch] = st
	}
	return st
}

// Decode decodes the record carried by f. ok is false for record subtypes
// that carry no measurement; such frames must not be appended to a session.
// A malformed record returns ErrMalformedFrame and leaves decoder state
// untouched.
func (d *Decoder) Decode(f Frame) (Point, bool, error) {
	rec := f.Record
	if len(rec) < HeaderSize {
		return Point{}, false, fmt.Errorf("%w: record is %d bytes", ErrMalformedFrame, len(rec))
	}

	ch := rec[1]
	if !d.desc.ValidChannel(int(ch)) {
		return Point{}, false, fmt.Errorf("%w: channel %d", ErrMalformedFrame, ch)
	}
	if f.Kind == KindStream && int(ch) != f.Channel {
		return Point{}, false, fmt.Errorf("%w: frame channel %d, record channel %d", ErrMalformedFrame, f.Channel, ch)
	}

	p := Point{
		Channel:    ch,
		Subtype:    rec[0],
		DeviceTime: binary.LittleEndian.Uint32(rec[2:6]),
		Mode:       rec[6],
		Chemistry:  rec[7],
		Cycle:      rec[8],
		Received:   f.Received,
	}

	switch rec[0] {
	case SubtypeNormal:
		if err := d.decodeNormal(rec, &p); err != nil {
			return Point{}, false, err
		}
	case SubtypeExtended:
		if err := d.decodeExtended(rec, &p); err != nil {
			return Point{}, false, err
		}
	default:
		return Point{}, false, nil
	}
	return p, true, nil
}

func (d *Decoder) decodeNormal(rec []byte, p *Point) error {
	desc := d.desc
	if len(rec) < desc.NormalLength() {
		return fmt.Errorf("%w: normal record is %d bytes, want %d", ErrMalformedFrame, len(rec), desc.NormalLength())
	}
	l := desc.Layout

	p.Current = int32(int16(binary.LittleEndian.Uint16(rec[l.Current:])))
	p.InputVoltage = int32(binary.LittleEndian.Uint16(rec[l.InputVoltage:]))
	p.Voltage = int32(binary.LittleEndian.Uint16(rec[l.Voltage:]))
	p.Capacity = binary.LittleEndian.Uint32(rec[l.Capacity:])
	p.InternalTemp = float64(int16(binary.LittleEndian.Uint16(rec[l.InternalTemp:]))) * TemperatureScale
	p.ExternalTemp = float64(int16(binary.LittleEndian.Uint16(rec[l.ExternalTemp:]))) * TemperatureScale
	p.Cells = readCells(rec[l.Cells:], desc.CellCount)

	lo, hi, n := p.CellRange()
	if n >= 2 {
		p.Balance = hi - lo
	}
	p.Power = math.Abs(float64(p.Current)*float64(p.Voltage)) / PowerDivisor

	st := d.state(p.Channel)

	var step uint32
	switch {
	case !st.seen:
		step = 0
	case p.DeviceTime >= st.lastStamp:
		step = p.DeviceTime - st.lastStamp
	case st.hasStep:
		step = st.lastStep
	default:
		step = desc.DefaultStepMs
	}

	if p.Capacity == 0 {
		st.energy = 0
	} else {
		st.energy += p.Power * float64(step) / MillisPerHour
	}

	st.seen = true
	st.lastStamp = p.DeviceTime
	if step > 0 {
		st.lastStep = step
		st.hasStep = true
	}
	st.elapsed += int64(step)

	p.Step = step
	p.Time = st.elapsed
	p.Energy = st.energy
	p.PackResistance = st.packR
	if st.hasCellR {
		p.CellResistance = append([]float64(nil), st.cellR...)
	}

	st.last = *p
	st.last.Cells = nil
	st.last.CellResistance = nil
	st.hasLast = true
	return nil
}

func (d *Decoder) decodeExtended(rec []byte, p *Point) error {
	desc := d.desc
	chem := desc.Chemistry(p.Chemistry)
	want := desc.ExtendedLength(chem.CellResistance)
	if len(rec) < want {
		return fmt.Errorf("%w: extended record is %d bytes, want %d", ErrMalformedFrame, len(rec), want)
	}
	off := desc.Layout.ExtCells
	n := desc.CellCount

	cells := readCells(rec[off:], n)
	packR := float64(binary.LittleEndian.Uint16(rec[off+2*n:])) * ResistanceScale
	cellR := make([]float64, n)
	if chem.CellResistance {
		base := off + 2*n + 2
		for i := range cellR {
			cellR[i] = float64(binary.LittleEndian.Uint16(rec[base+2*i:])) * ResistanceScale
		}
	}

	st := d.state(p.Channel)
	if st.hasLast {
		last := st.last
		p.Step = 0
		p.Time = last.Time
		p.Current = last.Current
		p.InputVoltage = last.InputVoltage
		p.Voltage = last.Voltage
		p.Capacity = last.Capacity
		p.InternalTemp = last.InternalTemp
		p.ExternalTemp = last.ExternalTemp
		p.Power = last.Power
	} else {
		p.Time = st.elapsed
	}
	p.Energy = st.energy
	p.Cells = cells
	p.PackResistance = packR
	p.CellResistance = cellR

	lo, hi, populated := p.CellRange()
	if populated >= 2 {
		p.Balance = hi - lo
	}

	st.packR = packR
	st.cellR = append(st.cellR[:0], cellR...)
	st.hasCellR = true
	return nil
}

func readCells(b []byte, n int) []int32 {
	cells := make([]int32, n)
	for i := range cells {
		cells[i] = int32(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return cells
}
