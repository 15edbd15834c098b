// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens the byte and report links a charger is reached
// through: serial ports, websocket bridges and hidraw devices.
package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Serial wraps a serial port. Read returns 0 bytes and a nil error when the
// read timeout elapses without data.
type Serial struct {
	port serial.Port
}

// OpenSerial opens portName at 8N1. A positive readTimeout bounds every Read.
func OpenSerial(portName string, baudRate int, readTimeout time.Duration) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
		}
	}

	return &Serial{port: port}, nil
}

func (s *Serial) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// Ports lists the serial ports present on the host
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
