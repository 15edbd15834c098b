// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// ============================================================
// Synchronizer Tests
// ============================================================

func TestSynchronizer_SingleFrame(t *testing.T) {
	d := genericDevice(t)
	r := normalRecord(1, 1000)
	stats := NewStatistics()
	s := newTestSync(d, stats, streamFrame(d, r))

	if s.State() != Seeking {
		t.Errorf("new synchronizer should be seeking")
	}

	f, err := s.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Kind != KindStream || f.Channel != 1 {
		t.Errorf("unexpected frame %v", f)
	}
	if !bytes.Equal(f.Record, EncodeRecord(d, r)) {
		t.Errorf("record mismatch")
	}
	if s.State() != InSync {
		t.Errorf("expected in-sync after a valid frame, got %v", s.State())
	}

	_, err = s.ReadFrame(context.Background())
	if !errors.Is(err, ErrTransportTimeout) {
		t.Fatalf("expected ErrTransportTimeout, got %v", err)
	}
	if s.State() != Seeking {
		t.Errorf("timeout should drop sync, got %v", s.State())
	}

	snap := stats.Snapshot()
	if snap.Valid != 1 || snap.Timeouts != 1 || snap.Resyncs != 1 {
		t.Errorf("unexpected statistics: %+v", snap)
	}
}

func TestSynchronizer_ByteAtATime(t *testing.T) {
	d := genericDevice(t)
	var stream []byte
	for i := uint32(0); i < 3; i++ {
		stream = append(stream, streamFrame(d, normalRecord(2, i*1000))...)
	}
	chunks := make([][]byte, len(stream))
	for i := range stream {
		chunks[i] = stream[i : i+1]
	}

	frames := readAll(t, newTestSync(d, nil, chunks...))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for _, f := range frames {
		if f.Channel != 2 {
			t.Errorf("expected channel 2, got %d", f.Channel)
		}
	}
}

func TestSynchronizer_GarbagePrefix(t *testing.T) {
	d := genericDevice(t)
	garbage := []byte("\x00\xFFnoise$x$05\r\n")
	stream := append([]byte{}, garbage...)
	stream = append(stream, streamFrame(d, normalRecord(1, 0))...)
	stream = append(stream, streamFrame(d, normalRecord(1, 1000))...)

	stats := NewStatistics()
	frames := readAll(t, newTestSync(d, stats, stream))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames after garbage, got %d", len(frames))
	}
	if got := stats.SkippedBytes.Load(); got != uint64(len(garbage)) {
		t.Errorf("expected %d skipped bytes, got %d", len(garbage), got)
	}
	if stats.ChecksumErrors.Load() != 0 {
		t.Errorf("garbage should not produce checksum errors")
	}
}

func TestSynchronizer_CorruptedFrameDropsOnePoint(t *testing.T) {
	d := genericDevice(t)
	f1 := streamFrame(d, normalRecord(1, 0))
	f2 := streamFrame(d, normalRecord(1, 1000))
	f3 := streamFrame(d, normalRecord(1, 2000))

	// Flip one hex digit inside the second frame
	if f2[10] == '0' {
		f2[10] = '1'
	} else {
		f2[10] = '0'
	}

	stats := NewStatistics()
	stream := bytes.Join([][]byte{f1, f2, f3}, nil)
	frames := readAll(t, newTestSync(d, stats, stream))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	dec := NewDecoder(d)
	var stamps []uint32
	for _, f := range frames {
		p, ok, err := dec.Decode(f)
		if err != nil || !ok {
			t.Fatalf("Decode failed: ok=%v err=%v", ok, err)
		}
		stamps = append(stamps, p.DeviceTime)
	}
	if stamps[0] != 0 || stamps[1] != 2000 {
		t.Errorf("expected frames 0 and 2000, got %v", stamps)
	}
	if stats.ChecksumErrors.Load() != 1 {
		t.Errorf("expected 1 checksum error, got %d", stats.ChecksumErrors.Load())
	}
}

func TestSynchronizer_TruncatedFrame(t *testing.T) {
	d := genericDevice(t)
	stream := append([]byte("$01ABCD"), streamFrame(d, normalRecord(1, 0))...)

	stats := NewStatistics()
	frames := readAll(t, newTestSync(d, stats, stream))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if stats.Malformed.Load() != 1 {
		t.Errorf("expected 1 malformed frame, got %d", stats.Malformed.Load())
	}
}

func TestSynchronizer_OverlongFrame(t *testing.T) {
	d := genericDevice(t)
	stream := append([]byte("$01"), bytes.Repeat([]byte("A"), 200)...)
	stream = append(stream, streamFrame(d, normalRecord(2, 0))...)

	stats := NewStatistics()
	frames := readAll(t, newTestSync(d, stats, stream))
	if len(frames) != 1 || frames[0].Channel != 2 {
		t.Fatalf("expected the channel 2 frame, got %v", frames)
	}
	if stats.Malformed.Load() != 1 {
		t.Errorf("expected 1 malformed frame, got %d", stats.Malformed.Load())
	}
}

func TestSynchronizer_MalformedBodies(t *testing.T) {
	d := genericDevice(t)

	withChecksum := func(payload string) []byte {
		frame := append([]byte{StartMarker}, payload...)
		frame = d.Checksum.AppendHex(frame, []byte(payload))
		return append(frame, CR, LF)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", withChecksum("010102")},
		{"odd hex", withChecksum("01" + string(bytes.Repeat([]byte("0"), 35)))},
		{"not hex", withChecksum("01" + string(bytes.Repeat([]byte("G"), 36)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := NewStatistics()
			frames := readAll(t, newTestSync(d, stats, tt.frame))
			if len(frames) != 0 {
				t.Errorf("expected no frames, got %d", len(frames))
			}
			if stats.Malformed.Load() != 1 {
				t.Errorf("expected 1 malformed frame, got %d", stats.Malformed.Load())
			}
		})
	}
}

func TestSynchronizer_CRC16Device(t *testing.T) {
	d, err := DefaultDevices().Lookup("duo-10s")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	r := normalRecord(2, 0)
	r.Cells = []uint16{3300, 3301, 3302, 3303, 3304, 3305, 3306, 3307, 3308, 3309}
	frames := readAll(t, newTestSync(d, nil, streamFrame(d, r)))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}

func TestSynchronizer_Disconnect(t *testing.T) {
	d := genericDevice(t)
	rd := &chunkReader{chunks: [][]byte{streamFrame(d, normalRecord(1, 0))}, err: io.EOF}
	s := NewSynchronizer(rd, SyncConfig{Descriptor: d}, nil)

	if _, err := s.ReadFrame(context.Background()); err != nil {
		t.Fatalf("first ReadFrame failed: %v", err)
	}
	_, err := s.ReadFrame(context.Background())
	if !errors.Is(err, ErrTransportDisconnected) {
		t.Fatalf("expected ErrTransportDisconnected, got %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("disconnect should wrap the transport error")
	}
}

// alwaysTimeout never delivers data
type alwaysTimeout struct{ reads int }

func (r *alwaysTimeout) Read(p []byte) (int, error) {
	r.reads++
	return 0, nil
}

func TestSynchronizer_FrameTimeout(t *testing.T) {
	d := genericDevice(t)
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(100 * time.Millisecond)
		return now
	}

	rd := &alwaysTimeout{}
	stats := NewStatistics()
	s := NewSynchronizer(rd, SyncConfig{Descriptor: d, FrameTimeout: time.Second, Now: clock}, stats)

	_, err := s.ReadFrame(context.Background())
	if !errors.Is(err, ErrTransportTimeout) {
		t.Fatalf("expected ErrTransportTimeout, got %v", err)
	}
	if rd.reads < 2 {
		t.Errorf("expected several reads before the frame timeout, got %d", rd.reads)
	}
	if stats.Timeouts.Load() != 1 {
		t.Errorf("expected 1 timeout, got %d", stats.Timeouts.Load())
	}
}

func TestSynchronizer_ContextCancelled(t *testing.T) {
	d := genericDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSynchronizer(&alwaysTimeout{}, SyncConfig{Descriptor: d}, nil)
	if _, err := s.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
