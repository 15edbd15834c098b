// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

var (
	frameTestTimeout int
)

var frameTestCmd = &cobra.Command{
	Use:   "frame_test",
	Short: "Test connection by waiting for a valid frame",
	Long: `Wait for a valid charger frame on the connection until timeout.

This command connects to a serial port, WebSocket or HID device and waits for
any frame that passes the device's checksum. Noise and corrupted frames are
skipped.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for checking wiring, baud rate and the device descriptor.`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(frameTestTimeout)*time.Second)
	defer cancel()

	conn, err := OpenConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Chargescope - Frame Test\n")
	fmt.Printf("Connection: %s\n", conn.Info())
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for valid %s frame...\n\n", desc.Name)

	stats := telemetry.NewStatistics()
	src := conn.Source(desc, stats)

	for {
		f, err := src.Next(ctx)
		switch {
		case err == nil:
			if skipped := stats.SkippedBytes.Load(); skipped > 0 {
				fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
			}
			fmt.Printf("SUCCESS: Received valid frame\n")
			fmt.Printf("  Kind: %s\n", f.Kind)
			fmt.Printf("  Channel: %d\n", f.Channel)
			fmt.Printf("  Subtype: %s (0x%02X)\n", telemetry.FormatSubtype(f.Subtype()), f.Subtype())
			fmt.Printf("  Record: %d bytes\n", len(f.Record))
			if n := stats.ChecksumErrors.Load(); n > 0 {
				fmt.Printf("  Checksum errors before success: %d\n", n)
			}
			os.Exit(0)

		case errors.Is(err, telemetry.ErrTransportTimeout) && ctx.Err() == nil:
			continue

		case ctx.Err() != nil:
			fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", frameTestTimeout)
			os.Exit(1)

		default:
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}
	}
}
