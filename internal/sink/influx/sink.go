// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package influx writes finalized charge sessions to InfluxDB v2.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Thermoquad/chargescope/pkg/session"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// Measurement names
const (
	MeasurementPoint   = "charge_session"
	MeasurementSummary = "charge_session_summary"
)

// Config holds the connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes one point per session measurement plus a summary when a
// session is finalized. Other events are ignored.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	cfg      Config
	log      *slog.Logger
}

// New creates the client. It does not contact the server; call Ping to
// verify connectivity.
func New(cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:      cfg,
		log:      logger,
	}
}

// Ping runs the server health check
func (s *Sink) Ping(ctx context.Context) error {
	if _, err := s.client.Health(ctx); err != nil {
		return fmt.Errorf("influx health check %s: %w", s.cfg.URL, err)
	}
	return nil
}

// Name implements acquire.Sink
func (s *Sink) Name() string { return "influx" }

// Handle implements acquire.Sink
func (s *Sink) Handle(ctx context.Context, e session.Event) error {
	if e.Type != session.EventSessionFinalized || e.Session == nil {
		return nil
	}

	points := SessionPoints(e.Session)
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write session %s: %w", e.Session.ID, err)
	}
	s.log.Debug("session written", "session", e.Session.ID, "channel", e.Channel, "points", len(points))
	return nil
}

// Close releases the client
func (s *Sink) Close() {
	s.client.Close()
}

// SessionPoints converts a finalized session into line protocol points: one
// per measurement followed by the summary.
func SessionPoints(s *session.Session) []*write.Point {
	tags := sessionTags(s)
	measured := s.Points()
	out := make([]*write.Point, 0, len(measured)+1)

	for _, p := range measured {
		cols := telemetry.Columns(len(p.Cells))
		vals := p.Values()
		fields := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			fields[c] = vals[i]
		}
		out = append(out, write.NewPoint(MeasurementPoint, tags, fields, pointTime(s, p)))
	}

	_, reason := s.Finalized()
	summaryTags := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		summaryTags[k] = v
	}
	summaryTags["reason"] = string(reason)

	summary := map[string]interface{}{
		"points":     len(measured),
		"duration_s": s.Duration().Seconds(),
	}
	if last, ok := s.Last(); ok {
		summary["energy_wh"] = last.Energy
		summary["capacity_mah"] = int64(last.Capacity)
	}
	out = append(out, write.NewPoint(MeasurementSummary, summaryTags, summary, s.Created))
	return out
}

func sessionTags(s *session.Session) map[string]string {
	return map[string]string{
		"session":   s.ID.String(),
		"channel":   strconv.Itoa(int(s.Channel)),
		"chemistry": strconv.Itoa(int(s.Signature.Chemistry)),
		"mode":      strconv.Itoa(int(s.Signature.Mode)),
		"cycle":     strconv.Itoa(int(s.Signature.Cycle)),
	}
}

// pointTime prefers the host receive time; replayed points without one are
// placed relative to the session start.
func pointTime(s *session.Session, p telemetry.Point) time.Time {
	if !p.Received.IsZero() {
		return p.Received
	}
	return s.Created.Add(time.Duration(p.Time) * time.Millisecond)
}
