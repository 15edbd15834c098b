// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/chargescope/pkg/session"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

type writeServer struct {
	mu      sync.Mutex
	bodies  []string
	queries []string
	status  int
}

func (w *writeServer) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	w.mu.Lock()
	w.bodies = append(w.bodies, string(body))
	w.queries = append(w.queries, r.URL.RawQuery)
	status := w.status
	w.mu.Unlock()

	if status != 0 {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		_, _ = rw.Write([]byte(`{"code":"invalid","message":"rejected"}`))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *writeServer) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, b := range w.bodies {
		for _, l := range strings.Split(strings.TrimSpace(b), "\n") {
			if l != "" {
				out = append(out, l)
			}
		}
	}
	return out
}

// finalizedEvent drives a machine through one three-point charge session
func finalizedEvent(t *testing.T) session.Event {
	t.Helper()
	desc, err := telemetry.DefaultDevices().Lookup("generic")
	require.NoError(t, err)

	var finalized []session.Event
	pub := session.PublisherFunc(func(e session.Event) {
		if e.Type == session.EventSessionFinalized {
			finalized = append(finalized, e)
		}
	})
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := session.NewMachine(session.Config{
		Channel:    1,
		Descriptor: desc,
		MinPoints:  3,
		Now:        func() time.Time { return created },
	}, session.NewRegistry(), pub)

	for i := 0; i < 3; i++ {
		m.HandlePoint(telemetry.Point{
			Channel:   1,
			Mode:      1,
			Chemistry: 1,
			Cycle:     1,
			Time:      int64(i) * 1000,
			Current:   1500,
			Voltage:   7389,
			Capacity:  uint32(10 * i),
			Energy:    float64(i) * 0.01,
			Cells:     []int32{3700, 3701},
		})
	}
	m.HandlePoint(telemetry.Point{Channel: 1, Mode: 0, Chemistry: 1, Cycle: 1, Time: 3000})

	require.Len(t, finalized, 1)
	return finalized[0]
}

func TestSessionPoints(t *testing.T) {
	t.Parallel()
	e := finalizedEvent(t)

	points := SessionPoints(e.Session)
	require.Len(t, points, 4)

	first := points[0]
	assert.Equal(t, MeasurementPoint, first.Name())
	assert.Equal(t, e.Session.Created, first.Time())

	tags := map[string]string{}
	for _, tag := range first.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, e.Session.ID.String(), tags["session"])
	assert.Equal(t, "1", tags["channel"])
	assert.Equal(t, "1", tags["mode"])

	fields := map[string]interface{}{}
	for _, f := range first.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Len(t, fields, len(telemetry.Columns(2)))
	assert.EqualValues(t, 1500, fields["current_ma"])
	assert.EqualValues(t, 3701, fields["cell2_mv"])

	assert.Equal(t, e.Session.Created.Add(2*time.Second), points[2].Time())

	summary := points[3]
	assert.Equal(t, MeasurementSummary, summary.Name())
	var reason string
	for _, tag := range summary.TagList() {
		if tag.Key == "reason" {
			reason = tag.Value
		}
	}
	assert.Equal(t, string(session.ReasonDeviceIdle), reason)
}

func TestSink_WritesFinalizedSession(t *testing.T) {
	t.Parallel()
	srv := &writeServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := New(Config{URL: ts.URL, Token: "token", Org: "bench", Bucket: "sessions"}, nil)
	defer s.Close()

	e := finalizedEvent(t)
	require.NoError(t, s.Handle(context.Background(), e))

	lines := srv.lines()
	require.Len(t, lines, 4)
	for _, l := range lines[:3] {
		assert.True(t, strings.HasPrefix(l, MeasurementPoint+","), l)
		assert.Contains(t, l, "session="+e.Session.ID.String())
	}
	assert.True(t, strings.HasPrefix(lines[3], MeasurementSummary+","), lines[3])
	assert.Contains(t, lines[3], "points=3i")

	require.NotEmpty(t, srv.queries)
	assert.Contains(t, srv.queries[0], "org=bench")
	assert.Contains(t, srv.queries[0], "bucket=sessions")
}

func TestSink_IgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	srv := &writeServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := New(Config{URL: ts.URL, Org: "bench", Bucket: "sessions"}, nil)
	defer s.Close()

	e := finalizedEvent(t)
	e.Type = session.EventSessionOpened
	require.NoError(t, s.Handle(context.Background(), e))
	require.NoError(t, s.Handle(context.Background(), session.Event{
		Type:    session.EventTransportError,
		Channel: 1,
		Err:     telemetry.ErrTransportDisconnected,
	}))

	assert.Empty(t, srv.lines())
}

func TestSink_ReportsWriteFailure(t *testing.T) {
	t.Parallel()
	srv := &writeServer{status: http.StatusBadRequest}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := New(Config{URL: ts.URL, Org: "bench", Bucket: "sessions"}, nil)
	defer s.Close()

	err := s.Handle(context.Background(), finalizedEvent(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write session")
}

func TestSink_Name(t *testing.T) {
	t.Parallel()
	s := New(Config{URL: "http://localhost:8086"}, nil)
	defer s.Close()
	assert.Equal(t, "influx", s.Name())
}
