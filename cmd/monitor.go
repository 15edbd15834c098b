// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/chargescope/internal/acquire"
	"github.com/Thermoquad/chargescope/pkg/session"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch sessions, statistics and anomalies live",
	Long: `Acquire measurements and display the charge sessions as they form.

The monitor shows:
  - Synchronization status and frame statistics (checksum and format errors,
    resyncs, timeouts)
  - The open session and latest measurement of every channel
  - Finished sessions and lifecycle events
  - Anomalous measurements (cell voltage, temperature, current, balance)

By default, only anomalies and lifecycle events are logged. Use --show-all to
log every measurement too.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Log all measurements (not just anomalies)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics interval in text mode (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// programSink forwards lifecycle events to the TUI
type programSink struct {
	p *tea.Program
}

func (programSink) Name() string { return "tui" }

func (s programSink) Handle(_ context.Context, e session.Event) error {
	s.p.Send(eventMsg(e))
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runTUIMode(ctx, conn)
	}
	return runTextMode(ctx, conn)
}

// syncStateOf returns the synchronizer state reader of a stream source
func syncStateOf(src acquire.Source) func() telemetry.SyncState {
	if s, ok := src.(*acquire.StreamSource); ok {
		return s.State
	}
	return nil
}

func workerConfig(logger *slog.Logger, onPoint func(telemetry.Point, []telemetry.ValidationError)) acquire.Config {
	return acquire.Config{
		Descriptor:        desc,
		MinPoints:         cfg.Acquisition.MinSessionPoints,
		ActivationRetries: cfg.Acquisition.ActivationRetries,
		Logger:            logger,
		OnPoint:           onPoint,
	}
}

// runTUIMode runs the monitor in TUI mode
func runTUIMode(ctx context.Context, conn *Connection) error {
	stats := telemetry.NewStatistics()
	reg := session.NewRegistry()
	src := conn.Source(desc, stats)

	m := initialModel(conn.Info(), desc, stats, reg, syncStateOf(src), showAll)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	// Structured logs would corrupt the screen
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	dispatcher := acquire.NewDispatcher(cfg.Acquisition.QueueSize, quiet, programSink{p: p})
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	worker := acquire.NewWorker(workerConfig(quiet, func(pt telemetry.Point, anomalies []telemetry.ValidationError) {
		p.Send(pointMsg{point: pt, anomalies: anomalies})
	}), src, conn, stats, reg, dispatcher)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := worker.Run(ctx)
		p.Send(workerDoneMsg{err: err})
	}()

	_, err := p.Run()
	worker.Stop()
	<-done

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode prints events as they happen and statistics periodically
func runTextMode(ctx context.Context, conn *Connection) error {
	fmt.Printf("Chargescope - Monitor\n")
	fmt.Printf("Connection: %s\n", conn.Info())
	fmt.Printf("Device: %s\n", desc.Name)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All measurements\n")
	} else {
		fmt.Printf("Mode: Anomalies and events only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := telemetry.NewStatistics()
	reg := session.NewRegistry()
	src := conn.Source(desc, stats)

	dispatcher := acquire.NewDispatcher(cfg.Acquisition.QueueSize, nil, acquire.LogSink{})
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	worker := acquire.NewWorker(workerConfig(nil, func(p telemetry.Point, anomalies []telemetry.ValidationError) {
		if len(anomalies) > 0 {
			printAnomalies(p, anomalies)
		} else if showAll {
			fmt.Print(telemetry.FormatPoint(p, desc))
		}
	}), src, conn, stats, reg, dispatcher)

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	errc := make(chan error, 1)
	go func() {
		errc <- worker.Run(ctx)
	}()

	for {
		select {
		case err := <-errc:
			fmt.Println()
			fmt.Print(stats.String())
			if err != nil {
				log.Printf("Acquisition stopped: %v", err)
			}
			return err

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}

// printAnomalies prints the plausibility failures of a point
func printAnomalies(p telemetry.Point, anomalies []telemetry.ValidationError) {
	timestamp := p.Received.Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mANOMALY:\033[0m ch%d %s\n", timestamp, p.Channel, telemetry.FormatSubtype(p.Subtype))
	for i, a := range anomalies {
		fmt.Printf("  Issue %d: \033[1;33m%s\033[0m (%s)\n", i+1, a.Message, a.Type)
	}
	fmt.Printf("  Cells: %s\n\n", telemetry.FormatCells(p.Cells))
}
