// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display decoded measurements in human-readable format",
	Long: `Continuously decode and display charger measurements as they arrive.

Every valid frame is printed with its channel, mode, chemistry and cell
voltages. Dropped frames (checksum or format errors) are reported as they
are detected. No sessions are formed.

Supports serial, WebSocket and HID connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Chargescope - Raw Measurement Log\n")
	fmt.Printf("Connection: %s\n", conn.Info())
	fmt.Printf("Device: %s (%d channels, %d cells, %s)\n", desc.Name, desc.Channels, desc.CellCount, desc.Checksum)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := telemetry.NewStatistics()
	src := conn.Source(desc, stats)
	decoder := telemetry.NewDecoder(desc)

	var lastChecksum, lastMalformed uint64
	for {
		f, err := src.Next(ctx)

		// Surface frames the reader dropped since the last call
		if n := stats.ChecksumErrors.Load(); n != lastChecksum {
			fmt.Printf("[ERROR] %d frame(s) failed the %s checksum\n", n-lastChecksum, desc.Checksum)
			lastChecksum = n
		}
		if n := stats.Malformed.Load(); n != lastMalformed {
			fmt.Printf("[ERROR] %d malformed frame(s)\n", n-lastMalformed)
			lastMalformed = n
		}

		switch {
		case err == nil:
		case errors.Is(err, telemetry.ErrTransportTimeout):
			continue
		case ctx.Err() != nil:
			fmt.Println()
			fmt.Print(stats.String())
			return nil
		default:
			log.Printf("Connection closed: %v", err)
			return nil
		}

		p, ok, err := decoder.Decode(f)
		switch {
		case err != nil:
			fmt.Printf("[ERROR] %v\n", err)
		case !ok:
			fmt.Printf("[SKIP] ch%d %s\n", f.Channel, telemetry.FormatSubtype(f.Subtype()))
		default:
			fmt.Print(telemetry.FormatPoint(p, desc))
		}
	}
}
