// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/chargescope/internal/acquire"
	"github.com/Thermoquad/chargescope/internal/config"
	"github.com/Thermoquad/chargescope/internal/transport"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

// Connection is an open transport. Exactly one of stream and reports is set.
type Connection struct {
	stream  io.ReadWriteCloser
	reports interface {
		telemetry.ReportSource
		WriteReport([]byte) error
		io.Closer
	}
	info string
}

// Info describes the connection for headers and logs
func (c *Connection) Info() string {
	return c.info
}

// Close closes the underlying transport
func (c *Connection) Close() error {
	if c.stream != nil {
		return c.stream.Close()
	}
	return c.reports.Close()
}

// Source returns a frame source over the connection
func (c *Connection) Source(d *telemetry.Descriptor, stats *telemetry.Statistics) acquire.Source {
	if c.stream != nil {
		return acquire.NewStreamSource(c.stream, d, cfg.Transport.FrameTimeout, stats)
	}
	return acquire.NewReportFrames(c.reports, d, cfg.Transport.FrameTimeout, stats)
}

// IsReport reports whether the connection carries fixed reports
func (c *Connection) IsReport() bool {
	return c.reports != nil
}

// Send writes one framed stream chunk or one report
func (c *Connection) Send(data []byte) error {
	if c.stream != nil {
		_, err := c.stream.Write(data)
		return err
	}
	return c.reports.WriteReport(data)
}

// GetPassword retrieves the password from config or prompts the user. A
// prompted password is kept for reconnects.
func GetPassword() (string, error) {
	if pw := cfg.Transport.Password; pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		cfg.Transport.Password = strings.TrimSpace(password)
		return cfg.Transport.Password, nil
	}

	fmt.Fprintln(os.Stderr)
	cfg.Transport.Password = string(passwordBytes)
	return cfg.Transport.Password, nil
}

// OpenConnection opens the transport selected by the configuration
func OpenConnection(ctx context.Context) (*Connection, error) {
	t := cfg.Transport

	if t.URL != "" {
		opts := transport.DialOptions{Username: t.Username, SkipSSLVerify: t.NoSSLVerify}
		if t.Username != "" {
			password, err := GetPassword()
			if err != nil {
				return nil, err
			}
			opts.Password = password
		}

		conn, err := transport.Dial(ctx, t.URL, opts)
		if err != nil {
			return nil, err
		}
		if t.Kind == config.TransportReport {
			return &Connection{
				reports: transport.NewWebSocketReports(conn),
				info:    fmt.Sprintf("WebSocket reports: %s", t.URL),
			}, nil
		}
		return &Connection{
			stream: transport.NewWebSocketStream(conn, t.ReadTimeout),
			info:   fmt.Sprintf("WebSocket: %s", t.URL),
		}, nil
	}

	if t.Kind == config.TransportReport {
		h, err := transport.OpenHIDRaw(t.HIDRaw)
		if err != nil {
			return nil, err
		}
		return &Connection{reports: h, info: fmt.Sprintf("HID: %s", t.HIDRaw)}, nil
	}

	if t.Port != "" {
		port, err := transport.OpenSerial(t.Port, t.Baud, t.ReadTimeout)
		if err != nil {
			return nil, err
		}
		return &Connection{stream: port, info: fmt.Sprintf("Serial: %s @ %d baud", t.Port, t.Baud)}, nil
	}

	return nil, fmt.Errorf("either --port, --url or --transport report must be specified")
}
