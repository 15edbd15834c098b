// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

func genericDevice(t *testing.T) *Descriptor {
	t.Helper()
	d, err := DefaultDevices().Lookup("generic")
	if err != nil {
		t.Fatalf("Lookup(generic) failed: %v", err)
	}
	return d
}

// normalRecord returns the reference record: 1500 mA, 7400 mV pack on a
// 12 V supply, 2000 mAh, six populated cells spanning 5 mV
func normalRecord(ch uint8, ts uint32) Record {
	return Record{
		Subtype:      SubtypeNormal,
		Channel:      ch,
		Timestamp:    ts,
		Mode:         1,
		Chemistry:    1,
		Cycle:        1,
		Current:      1500,
		InputVoltage: 12000,
		Voltage:      7400,
		Capacity:     2000,
		InternalTemp: 312,
		ExternalTemp: -15,
		Cells:        []uint16{1233, 1232, 1234, 1230, 1231, 1229},
	}
}

func streamFrame(d *Descriptor, r Record) []byte {
	return EncodeStreamFrame(d, int(r.Channel), EncodeRecord(d, r))
}

func recordFrame(d *Descriptor, r Record) Frame {
	return Frame{Kind: KindStream, Channel: int(r.Channel), Record: EncodeRecord(d, r)}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// chunkReader returns its chunks one per Read, then reports a read timeout
// (0, nil) or err once exhausted
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	c := r.chunks[0]
	n := copy(p, c)
	if n < len(c) {
		r.chunks[0] = c[n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func newTestSync(d *Descriptor, stats *Statistics, chunks ...[]byte) *Synchronizer {
	return NewSynchronizer(&chunkReader{chunks: chunks}, SyncConfig{Descriptor: d}, stats)
}

// readAll reads frames until the synchronizer times out
func readAll(t *testing.T, s *Synchronizer) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := s.ReadFrame(context.Background())
		if errors.Is(err, ErrTransportTimeout) {
			return frames
		}
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		frames = append(frames, f)
	}
}

// ============================================================
// Checksum Tests
// ============================================================

func TestCalculateCRC_KnownValues(t *testing.T) {
	crc := CalculateCRC([]byte("123456789"))
	if crc != 0x29B1 {
		t.Errorf("CRC mismatch: expected 0x29B1, got 0x%04X", crc)
	}
	if CalculateCRC(nil) != CRCInitial {
		t.Errorf("CRC of empty data should be initial value")
	}
}

func TestAlgorithm_Compute(t *testing.T) {
	tests := []struct {
		alg      Algorithm
		expected uint16
		width    int
	}{
		{AlgorithmXOR, 0x31, 1},
		{AlgorithmSum8, 0xDD, 1},
		{AlgorithmCRC16, 0x29B1, 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			if got := tt.alg.Compute([]byte("123456789")); got != tt.expected {
				t.Errorf("expected 0x%04X, got 0x%04X", tt.expected, got)
			}
			if tt.alg.Width() != tt.width {
				t.Errorf("expected width %d, got %d", tt.width, tt.alg.Width())
			}
		})
	}
}

func TestAlgorithm_ValidateHex(t *testing.T) {
	payload := []byte("123456789")

	tests := []struct {
		name  string
		alg   Algorithm
		tag   string
		valid bool
	}{
		{"xor upper", AlgorithmXOR, "31", true},
		{"crc16 upper", AlgorithmCRC16, "29B1", true},
		{"crc16 lower", AlgorithmCRC16, "29b1", true},
		{"wrong value", AlgorithmXOR, "32", false},
		{"wrong width", AlgorithmXOR, "031", false},
		{"not hex", AlgorithmSum8, "DG", false},
		{"empty", AlgorithmSum8, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.alg.ValidateHex(payload, []byte(tt.tag)); got != tt.valid {
				t.Errorf("ValidateHex(%q) = %v, want %v", tt.tag, got, tt.valid)
			}
		})
	}
}

func TestAlgorithm_ValidateBinary(t *testing.T) {
	record := []byte("123456789")
	if !AlgorithmCRC16.ValidateBinary(record, []byte{0x29, 0xB1}) {
		t.Errorf("CRC-16 tag should be big-endian")
	}
	if AlgorithmCRC16.ValidateBinary(record, []byte{0xB1, 0x29}) {
		t.Errorf("little-endian CRC-16 tag should not validate")
	}
	if AlgorithmXOR.ValidateBinary(record, []byte{0x31, 0x00}) {
		t.Errorf("tag of wrong width should not validate")
	}
	tag := AlgorithmSum8.AppendBinary(nil, record)
	if !AlgorithmSum8.ValidateBinary(record, tag) {
		t.Errorf("AppendBinary output should validate")
	}
}

func TestParseAlgorithm(t *testing.T) {
	if a, err := ParseAlgorithm(""); err != nil || a != AlgorithmXOR {
		t.Errorf("empty name should default to xor, got %q %v", a, err)
	}
	if _, err := ParseAlgorithm("md5"); err == nil {
		t.Errorf("expected error for unknown algorithm")
	}
}

// ============================================================
// Device Descriptor Tests
// ============================================================

func TestDefaultDevices(t *testing.T) {
	table := DefaultDevices()
	names := table.Names()
	if strings.Join(names, ",") != "duo-10s,generic,single-8s" {
		t.Fatalf("unexpected built-in devices: %v", names)
	}

	d := genericDevice(t)
	if d.Channels != 2 || d.CellCount != 6 || d.Checksum != AlgorithmXOR {
		t.Errorf("unexpected generic descriptor: %+v", d)
	}
	if d.NormalLength() != 35 {
		t.Errorf("expected normal length 35, got %d", d.NormalLength())
	}
	if d.ExtendedLength(true) != 35 || d.ExtendedLength(false) != 23 {
		t.Errorf("unexpected extended lengths %d/%d", d.ExtendedLength(true), d.ExtendedLength(false))
	}

	duo, err := table.Lookup("duo-10s")
	if err != nil {
		t.Fatalf("Lookup(duo-10s) failed: %v", err)
	}
	if duo.Checksum != AlgorithmCRC16 || duo.Limits.MaxCurrentMa != 40000 {
		t.Errorf("duo-10s overrides not applied: %+v", duo)
	}
	if duo.Limits.MaxCellMv != 4500 {
		t.Errorf("default limits should fill unset fields, got %d", duo.Limits.MaxCellMv)
	}
}

func TestDeviceTable_Lookup_Unknown(t *testing.T) {
	_, err := DefaultDevices().Lookup("nope")
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestDescriptor_ChemistryAndMode(t *testing.T) {
	d := genericDevice(t)

	if c := d.Chemistry(1); c.Name != "LiPo" || !c.CellResistance {
		t.Errorf("unexpected chemistry 1: %+v", c)
	}
	if c := d.Chemistry(5); c.Name != "NiMH" || c.CellResistance {
		t.Errorf("unexpected chemistry 5: %+v", c)
	}
	if c := d.Chemistry(99); c.Name != "unknown" || c.CellResistance || c.Code != 99 {
		t.Errorf("unexpected unknown chemistry: %+v", c)
	}

	if !d.Executing(1) || !d.Executing(6) {
		t.Errorf("charge and pause should be executing")
	}
	if d.Executing(0) || d.Executing(7) || d.Executing(200) {
		t.Errorf("standby, error and unknown modes should not be executing")
	}
}

func TestParseDeviceTable_Custom(t *testing.T) {
	data := []byte(`
[[device]]
name = "tiny"
channels = 1
cell_count = 2
report_size = 32
checksum = "sum8"

[device.layout]
cells = 25

[[device.chemistry]]
code = 9
name = "Custom"
cell_resistance = true

[[device.mode]]
code = 3
name = "run"
executing = true
`)
	table, err := ParseDeviceTable(data)
	if err != nil {
		t.Fatalf("ParseDeviceTable failed: %v", err)
	}
	d, err := table.Lookup("tiny")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if d.Layout.Cells != 25 || d.Layout.Current != 9 {
		t.Errorf("layout defaults not applied: %+v", d.Layout)
	}
	if d.NormalLength() != 29 {
		t.Errorf("expected normal length 29, got %d", d.NormalLength())
	}
	if d.Chemistry(9).Name != "Custom" || d.Chemistry(1).Name != "unknown" {
		t.Errorf("device chemistry table not used")
	}
	if !d.Executing(3) || d.Executing(1) {
		t.Errorf("device mode table not used")
	}
	if d.DefaultStepMs != 1000 || d.MinNonZero != 4 {
		t.Errorf("defaults not applied: step=%d minNonZero=%d", d.DefaultStepMs, d.MinNonZero)
	}
}

func TestParseDeviceTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "[[device]\nname="},
		{"no channels", "[[device]]\nname = \"x\"\ncell_count = 4\n"},
		{"bad checksum", "[[device]]\nname = \"x\"\nchannels = 1\ncell_count = 4\nchecksum = \"md5\"\n"},
		{"report too small", "[[device]]\nname = \"x\"\nchannels = 1\ncell_count = 16\nreport_size = 40\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDeviceTable([]byte(tt.data)); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

// ============================================================
// Encoder Tests
// ============================================================

func TestEncodeStreamFrame_Layout(t *testing.T) {
	d := genericDevice(t)
	rec := EncodeRecord(d, normalRecord(2, 0))
	frame := EncodeStreamFrame(d, 2, rec)

	if frame[0] != StartMarker || string(frame[1:3]) != "02" {
		t.Errorf("unexpected frame start %q", frame[:3])
	}
	if !strings.HasSuffix(string(frame), "\r\n") {
		t.Errorf("frame should end with CR LF")
	}
	if len(frame) != 1+2+2*len(rec)+2+2 {
		t.Errorf("unexpected frame length %d", len(frame))
	}
	if len(frame) > d.MaxFrameLength() {
		t.Errorf("frame length %d exceeds maximum %d", len(frame), d.MaxFrameLength())
	}
}

func TestEncodeReport_Layout(t *testing.T) {
	d := genericDevice(t)
	rec := EncodeRecord(d, normalRecord(1, 0))
	report, err := EncodeReport(d, rec)
	if err != nil {
		t.Fatalf("EncodeReport failed: %v", err)
	}
	if len(report) != d.ReportSize {
		t.Fatalf("expected %d byte report, got %d", d.ReportSize, len(report))
	}
	if int(report[0]) != len(rec) {
		t.Errorf("length byte = %d, want %d", report[0], len(rec))
	}
	if report[1] != SubtypeNormal {
		t.Errorf("record should start at offset 1")
	}
	for i := 2 + len(rec); i < len(report); i++ {
		if report[i] != 0 {
			t.Fatalf("padding byte %d is 0x%02X", i, report[i])
		}
	}

	if _, err := EncodeReport(d, make([]byte, 100)); err == nil {
		t.Errorf("expected error for oversized record")
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Record(t *testing.T) {
	s := NewStatistics()
	s.Record(nil)
	s.Record(ErrChecksumMismatch)
	s.Record(ErrMalformedFrame)
	s.Record(ErrTransportTimeout)

	snap := s.Snapshot()
	if snap.Frames != 3 || snap.Valid != 1 || snap.ChecksumErrors != 1 || snap.Malformed != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", snap.Timeouts)
	}

	out := s.String()
	for _, want := range []string{"Total Frames:", "Checksum Errors:", "Malformed:", "Timeouts:"} {
		if !strings.Contains(out, want) {
			t.Errorf("statistics output missing %q:\n%s", want, out)
		}
	}
}

func TestStatistics_NilSafe(t *testing.T) {
	var s *Statistics
	s.Record(nil)
	s.addResync()
	s.addSkipped(3)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{nil, KindNone},
		{ErrChecksumMismatch, KindTransient},
		{ErrTransportTimeout, KindTransient},
		{ErrDeviceActivationTimeout, KindTerminal},
		{errors.Join(ErrTransportDisconnected, io.EOF), KindTerminal},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.kind {
			t.Errorf("Kind(%v) = %v, want %v", tt.err, got, tt.kind)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(ErrTransportTimeout) {
		t.Errorf("ErrTransportTimeout should be a timeout")
	}
	if IsTimeout(io.EOF) || IsTimeout(nil) {
		t.Errorf("EOF and nil are not timeouts")
	}
}

// ============================================================
// Point Tests
// ============================================================

func TestPoint_ValuesMatchColumns(t *testing.T) {
	d := genericDevice(t)
	p, ok, err := NewDecoder(d).Decode(recordFrame(d, normalRecord(1, 0)))
	if err != nil || !ok {
		t.Fatalf("Decode failed: ok=%v err=%v", ok, err)
	}

	values := p.Values()
	cols := Columns(d.CellCount)
	if len(values) != len(cols) {
		t.Fatalf("values has %d entries, columns %d", len(values), len(cols))
	}
	if cols[1] != "current_ma" || values[1] != 1500 {
		t.Errorf("column 1 = %s/%v", cols[1], values[1])
	}
	if cols[11] != "cell1_mv" || values[11] != 1233 {
		t.Errorf("column 11 = %s/%v", cols[11], values[11])
	}
	if cols[len(cols)-1] != "cell6_r_mohm" {
		t.Errorf("last column = %s", cols[len(cols)-1])
	}
}

func TestPoint_CellRangeSkipsEmptyCells(t *testing.T) {
	p := Point{Cells: []int32{0, 3800, 0, 3790}}
	lo, hi, n := p.CellRange()
	if lo != 3790 || hi != 3800 || n != 2 {
		t.Errorf("CellRange = %d, %d, %d", lo, hi, n)
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidatePoint(t *testing.T) {
	d := genericDevice(t)

	good := Point{Voltage: 7400, Cells: []int32{3700, 3705}, InternalTemp: 30, ExternalTemp: 25, Current: 1500, Balance: 5}
	if errs := ValidatePoint(good, d.Limits); len(errs) != 0 {
		t.Errorf("expected no anomalies, got %v", errs)
	}

	tests := []struct {
		name  string
		point Point
		want  AnomalyType
	}{
		{"high cell", Point{Cells: []int32{4700, 3700}, InternalTemp: 25, ExternalTemp: 25}, AnomalyCellVoltage},
		{"hot", Point{Cells: []int32{3700}, InternalTemp: 120, ExternalTemp: 25}, AnomalyTemperature},
		{"current", Point{Cells: []int32{3700}, Current: -31000, InternalTemp: 25, ExternalTemp: 25}, AnomalyCurrent},
		{"balance", Point{Cells: []int32{3700, 3950}, Balance: 250, InternalTemp: 25, ExternalTemp: 25}, AnomalyBalance},
		{"no cells", Point{Voltage: 4000, Cells: []int32{0, 0}, InternalTemp: 25, ExternalTemp: 25}, AnomalyNoCells},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidatePoint(tt.point, d.Limits)
			if len(errs) != 1 {
				t.Fatalf("expected 1 anomaly, got %v", errs)
			}
			if errs[0].Type != tt.want {
				t.Errorf("expected %v, got %v", tt.want, errs[0].Type)
			}
			if errs[0].Error() == "" {
				t.Errorf("anomaly without message")
			}
		})
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatPoint(t *testing.T) {
	d := genericDevice(t)
	p, _, err := NewDecoder(d).Decode(recordFrame(d, normalRecord(1, 0)))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out := FormatPoint(p, d)
	for _, want := range []string{"ch1 NORMAL", "charge LiPo", "Current: 1500 mA", "balance 5 mV", "Power: 11.10 W"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatCells(t *testing.T) {
	if got := FormatCells([]int32{3700, 0}); got != "[3700 -] mV" {
		t.Errorf("FormatCells = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 ms"},
		{999, "999 ms"},
		{1000, "1 second"},
		{61000, "1 minute and 1 second"},
		{3723000, "1 hour, 2 minutes, and 3 seconds"},
		{2 * 86400000, "2 days"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.ms); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}
