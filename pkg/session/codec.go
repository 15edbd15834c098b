// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SessionRecord is the wire summary of a session
type SessionRecord struct {
	ID          string  `cbor:"1,keyasint"`
	Channel     uint8   `cbor:"2,keyasint"`
	Chemistry   uint8   `cbor:"3,keyasint"`
	Mode        uint8   `cbor:"4,keyasint"`
	Cycle       uint8   `cbor:"5,keyasint"`
	Created     int64   `cbor:"6,keyasint"` // unix ms
	Closed      int64   `cbor:"7,keyasint,omitempty"`
	Points      int     `cbor:"8,keyasint"`
	DurationMs  int64   `cbor:"9,keyasint"`
	EnergyWh    float64 `cbor:"10,keyasint"`
	CapacityMah uint32  `cbor:"11,keyasint"`
	Reason      string  `cbor:"12,keyasint,omitempty"`
}

// EventRecord is the wire form of an Event
type EventRecord struct {
	Type    string         `cbor:"1,keyasint"`
	Channel uint8          `cbor:"2,keyasint"`
	Time    int64          `cbor:"3,keyasint"` // unix ms
	Session *SessionRecord `cbor:"4,keyasint,omitempty"`
	Error   string         `cbor:"5,keyasint,omitempty"`
}

// NewSessionRecord summarizes s
func NewSessionRecord(s *Session) SessionRecord {
	rec := SessionRecord{
		ID:         s.ID.String(),
		Channel:    s.Channel,
		Chemistry:  s.Signature.Chemistry,
		Mode:       s.Signature.Mode,
		Cycle:      s.Signature.Cycle,
		Created:    s.Created.UnixMilli(),
		Points:     s.Len(),
		DurationMs: s.Duration().Milliseconds(),
	}
	if last, ok := s.Last(); ok {
		rec.EnergyWh = last.Energy
		rec.CapacityMah = last.Capacity
	}
	if finalized, reason := s.Finalized(); finalized {
		rec.Closed = s.Closed().UnixMilli()
		rec.Reason = string(reason)
	}
	return rec
}

// NewEventRecord converts e to its wire form
func NewEventRecord(e Event) EventRecord {
	rec := EventRecord{
		Type:    string(e.Type),
		Channel: e.Channel,
		Time:    e.Time.UnixMilli(),
	}
	if e.Session != nil {
		s := NewSessionRecord(e.Session)
		rec.Session = &s
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	return rec
}

// EncodeEvent serializes e as CBOR
func EncodeEvent(e Event) ([]byte, error) {
	data, err := cbor.Marshal(NewEventRecord(e))
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a CBOR event record
func DecodeEvent(data []byte) (EventRecord, error) {
	if len(data) == 0 {
		return EventRecord{}, fmt.Errorf("empty CBOR payload")
	}
	var rec EventRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return EventRecord{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if rec.Type == "" {
		return EventRecord{}, fmt.Errorf("event record without type")
	}
	return rec, nil
}
