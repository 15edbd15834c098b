// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"fmt"
	"time"
)

// Frame is one checksum-valid unit read from a transport
type Frame struct {
	Kind     TransportKind
	Channel  int       // channel announced by the transport
	Raw      []byte    // bytes as received, framing included
	Record   []byte    // decoded binary record covered by the checksum
	Received time.Time // host time the frame completed
}

// Subtype returns the record subtype tag, or 0 for an empty record
func (f Frame) Subtype() byte {
	if len(f.Record) == 0 {
		return 0
	}
	return f.Record[0]
}

func (f Frame) String() string {
	return fmt.Sprintf("%s frame ch=%d subtype=0x%02X len=%d", f.Kind, f.Channel, f.Subtype(), len(f.Raw))
}
