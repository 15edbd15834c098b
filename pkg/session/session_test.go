// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

func TestSession_SnapshotIsImmutable(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestMachine(t)

	feed(m, modeCharge, 1, 3, 0)
	snap, ok := reg.Current(1)
	require.True(t, ok)

	feed(m, modeCharge, 1, 50, 3000)
	assert.Len(t, snap.Points, 3)
	assert.Equal(t, int64(2000), snap.Points[2].Time)
	assert.Equal(t, 3, cap(snap.Points), "snapshots expose no spare capacity")

	latest, _ := reg.Current(1)
	assert.Len(t, latest.Points, 53)
}

func TestSession_ConcurrentReaders(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestMachine(t)
	feed(m, modeCharge, 1, 1, 0)

	const total = 2000
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for last < total {
				snap, ok := reg.Current(1)
				if !ok {
					continue
				}
				n := len(snap.Points)
				if n < last {
					t.Errorf("snapshot shrank from %d to %d", last, n)
					return
				}
				for i, p := range snap.Points {
					if p.Time != int64(i)*1000 {
						t.Errorf("point %d has time %d", i, p.Time)
						return
					}
				}
				last = n
			}
		}()
	}

	feed(m, modeCharge, 1, total-1, 1000)
	wg.Wait()
}

func TestSession_Duration(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	feed(m, modeCharge, 1, 4, 0)
	assert.Equal(t, 3*time.Second, m.Current().Duration())
}

func TestRegistry_Channels(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	d := testDevice(t)
	NewMachine(Config{Channel: 2, Descriptor: d}, reg, nil)
	NewMachine(Config{Channel: 1, Descriptor: d}, reg, nil)

	assert.Equal(t, []uint8{1, 2}, reg.Channels())
	assert.Equal(t, NoSession, reg.State(2))
}

func TestCodec_FinalizedEvent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	m := NewMachine(Config{Channel: 1, Descriptor: testDevice(t), MinPoints: 1}, NewRegistry(), rec)

	for i := 0; i < 3; i++ {
		p := point(modeCharge, 1, int64(i)*1000)
		p.Energy = float64(i) * 0.5
		p.Capacity = uint32(i * 100)
		m.HandlePoint(p)
	}
	m.Shutdown(ReasonAcquisitionStopped)
	require.Equal(t, 1, rec.count(EventSessionFinalized))

	var ev Event
	for _, e := range rec.events {
		if e.Type == EventSessionFinalized {
			ev = e
		}
	}

	data, err := EncodeEvent(ev)
	require.NoError(t, err)
	got, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.Equal(t, string(EventSessionFinalized), got.Type)
	assert.Equal(t, uint8(1), got.Channel)
	require.NotNil(t, got.Session)
	assert.Equal(t, ev.Session.ID.String(), got.Session.ID)
	assert.Equal(t, 3, got.Session.Points)
	assert.Equal(t, int64(2000), got.Session.DurationMs)
	assert.InDelta(t, 1.0, got.Session.EnergyWh, 1e-9)
	assert.Equal(t, uint32(200), got.Session.CapacityMah)
	assert.Equal(t, string(ReasonAcquisitionStopped), got.Session.Reason)
}

func TestCodec_ErrorEvent(t *testing.T) {
	t.Parallel()
	ev := Event{
		Type:    EventActivationTimeout,
		Channel: 2,
		Err:     errors.New("device activation timeout"),
		Time:    time.UnixMilli(1700000000000),
	}
	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Nil(t, got.Session)
	assert.Equal(t, "device activation timeout", got.Error)
	assert.Equal(t, int64(1700000000000), got.Time)
}

func TestCodec_DecodeInvalid(t *testing.T) {
	t.Parallel()
	_, err := DecodeEvent(nil)
	assert.Error(t, err)
	_, err = DecodeEvent([]byte{0xFF, 0x00})
	assert.Error(t, err)
	_, err = DecodeEvent([]byte{0xA0}) // empty map
	assert.Error(t, err)
}

var _ Publisher = PublisherFunc(func(Event) {})

func TestPublisherFunc(t *testing.T) {
	t.Parallel()
	var got Event
	PublisherFunc(func(e Event) { got = e }).Publish(Event{Type: EventTransportError, Err: telemetry.ErrTransportDisconnected})
	assert.Equal(t, EventTransportError, got.Type)
	assert.Contains(t, got.String(), "transport disconnected")
}
