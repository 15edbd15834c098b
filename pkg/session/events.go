// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"fmt"
	"time"
)

// EventType identifies a lifecycle event
type EventType string

// Lifecycle events
const (
	EventSessionOpened     EventType = "session-opened"
	EventSessionFinalized  EventType = "session-finalized"
	EventActivationTimeout EventType = "device-activation-timeout"
	EventTransportError    EventType = "transport-error"
)

// Event is handed to collaborators. Session is nil for error events.
type Event struct {
	Type    EventType
	Channel uint8
	Session *Session
	Err     error
	Time    time.Time
}

func (e Event) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s ch%d: %v", e.Type, e.Channel, e.Err)
	case e.Session != nil:
		return fmt.Sprintf("%s ch%d session=%s points=%d", e.Type, e.Channel, e.Session.ID, e.Session.Len())
	default:
		return fmt.Sprintf("%s ch%d", e.Type, e.Channel)
	}
}

// Publisher receives lifecycle events. Publish must not block the caller
// for long; it runs on the acquisition worker.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(Event)

// Publish calls f(e)
func (f PublisherFunc) Publish(e Event) {
	f(e)
}
