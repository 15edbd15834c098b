// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

//go:embed devices.toml
var builtinDevices []byte

// DefaultDevice is the descriptor used when none is configured
const DefaultDevice = "generic"

// Chemistry is one entry of a device's battery chemistry table
type Chemistry struct {
	Code           uint8  `toml:"code"`
	Name           string `toml:"name"`
	CellResistance bool   `toml:"cell_resistance"` // extended records carry per-cell resistance
}

// Mode is one entry of a device's operating mode table
type Mode struct {
	Code      uint8  `toml:"code"`
	Name      string `toml:"name"`
	Executing bool   `toml:"executing"` // an activity is running on the channel
}

// Layout holds record field offsets. Zero means the default offset.
type Layout struct {
	Current      int `toml:"current"`
	InputVoltage int `toml:"input_voltage"`
	Voltage      int `toml:"voltage"`
	Capacity     int `toml:"capacity"`
	InternalTemp int `toml:"internal_temp"`
	ExternalTemp int `toml:"external_temp"`
	Cells        int `toml:"cells"`
	ExtCells     int `toml:"ext_cells"`
}

// Limits are the plausibility bounds used by ValidatePoint
type Limits struct {
	MaxCellMv    int32   `toml:"max_cell_mv"`
	MinCellMv    int32   `toml:"min_cell_mv"`
	MinTempC     float64 `toml:"min_temp_c"`
	MaxTempC     float64 `toml:"max_temp_c"`
	MaxCurrentMa int32   `toml:"max_current_ma"`
	MaxBalanceMv int32   `toml:"max_balance_mv"`
}

// Descriptor describes one charger model. It is read-only once loaded and
// shared by every component working on that device.
type Descriptor struct {
	Name          string      `toml:"name"`
	Channels      int         `toml:"channels"`
	CellCount     int         `toml:"cell_count"`
	ReportSize    int         `toml:"report_size"`
	MinNonZero    int         `toml:"min_non_zero"`
	DefaultStepMs uint32      `toml:"default_step_ms"`
	Checksum      Algorithm   `toml:"checksum"`
	Layout        Layout      `toml:"layout"`
	Limits        Limits      `toml:"limits"`
	Chemistries   []Chemistry `toml:"chemistry"`
	Modes         []Mode      `toml:"mode"`

	chemistries map[uint8]Chemistry
	modes       map[uint8]Mode
}

var unknownChemistry = Chemistry{Name: "unknown"}

// Chemistry looks up a chemistry code. Unknown codes yield a chemistry named
// "unknown" without per-cell resistance.
func (d *Descriptor) Chemistry(code uint8) Chemistry {
	if c, ok := d.chemistries[code]; ok {
		return c
	}
	c := unknownChemistry
	c.Code = code
	return c
}

// Mode looks up a mode code. Unknown codes are treated as not executing.
func (d *Descriptor) Mode(code uint8) Mode {
	if m, ok := d.modes[code]; ok {
		return m
	}
	return Mode{Code: code, Name: fmt.Sprintf("mode-%d", code)}
}

// Executing reports whether mode code means an activity is running
func (d *Descriptor) Executing(code uint8) bool {
	return d.Mode(code).Executing
}

// NormalLength returns the length of a normal telemetry record
func (d *Descriptor) NormalLength() int {
	l := d.Layout
	end := l.Cells + 2*d.CellCount
	for _, e := range []int{l.Current + 2, l.InputVoltage + 2, l.Voltage + 2, l.Capacity + 4, l.InternalTemp + 2, l.ExternalTemp + 2} {
		end = max(end, e)
	}
	return end
}

// ExtendedLength returns the length of an extended record for a chemistry
func (d *Descriptor) ExtendedLength(withCellResistance bool) int {
	n := d.Layout.ExtCells + 4*d.CellCount + 2
	if !withCellResistance {
		n -= 2 * d.CellCount
	}
	return n
}

// MaxRecordLength returns the longest record the device can send
func (d *Descriptor) MaxRecordLength() int {
	return max(d.NormalLength(), d.ExtendedLength(true))
}

// MaxFrameLength returns the longest stream frame, markers included
func (d *Descriptor) MaxFrameLength() int {
	return 1 + maxChannelDigits + 2*d.MaxRecordLength() + d.Checksum.HexWidth() + 2
}

// ValidChannel reports whether ch is a configured output channel
func (d *Descriptor) ValidChannel(ch int) bool {
	return ch >= 1 && ch <= d.Channels
}

func (d *Descriptor) applyDefaults(chems []Chemistry, modes []Mode) {
	l := &d.Layout
	setDefault(&l.Current, 9)
	setDefault(&l.InputVoltage, 11)
	setDefault(&l.Voltage, 13)
	setDefault(&l.Capacity, 15)
	setDefault(&l.InternalTemp, 19)
	setDefault(&l.ExternalTemp, 21)
	setDefault(&l.Cells, 23)
	setDefault(&l.ExtCells, HeaderSize)

	if d.ReportSize == 0 {
		d.ReportSize = defaultReportSize
	}
	if d.MinNonZero == 0 {
		d.MinNonZero = 4
	}
	if d.DefaultStepMs == 0 {
		d.DefaultStepMs = 1000
	}
	if d.Checksum == "" {
		d.Checksum = AlgorithmXOR
	}

	lim := &d.Limits
	if lim.MaxCellMv == 0 {
		lim.MaxCellMv = 4500
	}
	if lim.MinCellMv == 0 {
		lim.MinCellMv = 500
	}
	if lim.MinTempC == 0 && lim.MaxTempC == 0 {
		lim.MinTempC, lim.MaxTempC = -20, 90
	}
	if lim.MaxCurrentMa == 0 {
		lim.MaxCurrentMa = 30000
	}
	if lim.MaxBalanceMv == 0 {
		lim.MaxBalanceMv = 200
	}

	if len(d.Chemistries) == 0 {
		d.Chemistries = chems
	}
	if len(d.Modes) == 0 {
		d.Modes = modes
	}
	d.chemistries = make(map[uint8]Chemistry, len(d.Chemistries))
	for _, c := range d.Chemistries {
		d.chemistries[c.Code] = c
	}
	d.modes = make(map[uint8]Mode, len(d.Modes))
	for _, m := range d.Modes {
		d.modes[m.Code] = m
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that the descriptor is internally consistent
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device descriptor without name")
	}
	if d.Channels < 1 || d.Channels > 99 {
		return fmt.Errorf("device %s: channels %d out of range 1..99", d.Name, d.Channels)
	}
	if d.CellCount < 1 {
		return fmt.Errorf("device %s: cell_count must be positive", d.Name)
	}
	if _, err := ParseAlgorithm(string(d.Checksum)); err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}
	if need := 1 + d.MaxRecordLength() + d.Checksum.Width(); d.ReportSize < need {
		return fmt.Errorf("device %s: report_size %d below %d", d.Name, d.ReportSize, need)
	}
	if d.Layout.Cells < HeaderSize || d.Layout.ExtCells < HeaderSize {
		return fmt.Errorf("device %s: cell offsets overlap the record header", d.Name)
	}
	return nil
}

// deviceFile is the on-disk schema of a descriptor table
type deviceFile struct {
	Chemistries []Chemistry  `toml:"chemistry"`
	Modes       []Mode       `toml:"mode"`
	Devices     []Descriptor `toml:"device"`
}

// DeviceTable maps device names to descriptors
type DeviceTable struct {
	devices     map[string]*Descriptor
	chemistries []Chemistry
	modes       []Mode
}

// ParseDeviceTable parses a TOML descriptor table. Top-level chemistry and
// mode tables apply to every device that does not declare its own; a file
// without them inherits the built-in tables.
func ParseDeviceTable(data []byte) (*DeviceTable, error) {
	base := DefaultDevices()
	return parseDeviceTable(data, base.chemistries, base.modes)
}

func parseDeviceTable(data []byte, chems []Chemistry, modes []Mode) (*DeviceTable, error) {
	var f deviceFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse device table: %w", err)
	}
	if len(f.Chemistries) == 0 {
		f.Chemistries = chems
	}
	if len(f.Modes) == 0 {
		f.Modes = modes
	}

	t := &DeviceTable{
		devices:     make(map[string]*Descriptor, len(f.Devices)),
		chemistries: f.Chemistries,
		modes:       f.Modes,
	}
	for i := range f.Devices {
		d := f.Devices[i]
		d.applyDefaults(f.Chemistries, f.Modes)
		if err := d.Validate(); err != nil {
			return nil, err
		}
		t.devices[d.Name] = &d
	}
	return t, nil
}

var defaultTable = sync.OnceValues(func() (*DeviceTable, error) {
	return parseDeviceTable(builtinDevices, nil, nil)
})

// DefaultDevices returns the built-in descriptor table
func DefaultDevices() *DeviceTable {
	t, err := defaultTable()
	if err != nil {
		panic(err)
	}
	return t
}

// LoadDevices returns the built-in table merged with the table in path.
// An empty path returns the built-in table.
func LoadDevices(path string) (*DeviceTable, error) {
	base := DefaultDevices()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	extra, err := ParseDeviceTable(data)
	if err != nil {
		return nil, err
	}
	merged := &DeviceTable{
		devices:     make(map[string]*Descriptor, len(base.devices)+len(extra.devices)),
		chemistries: base.chemistries,
		modes:       base.modes,
	}
	for name, d := range base.devices {
		merged.devices[name] = d
	}
	for name, d := range extra.devices {
		merged.devices[name] = d
	}
	return merged, nil
}

// Lookup returns the descriptor for name
func (t *DeviceTable) Lookup(name string) (*Descriptor, error) {
	d, ok := t.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return d, nil
}

// Names returns the sorted device names
func (t *DeviceTable) Names() []string {
	names := make([]string, 0, len(t.devices))
	for name := range t.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
