// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/chargescope/internal/acquire"
	"github.com/Thermoquad/chargescope/internal/config"
	"github.com/Thermoquad/chargescope/internal/sink/influx"
	"github.com/Thermoquad/chargescope/internal/sink/kafka"
	"github.com/Thermoquad/chargescope/pkg/session"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

const initialBackoff = time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Acquire sessions headless and export them",
	Long: `Run acquisition without a terminal UI and hand every lifecycle event to
the configured sinks.

Sinks:
  log    - always on, structured log lines on stderr
  influx - finalized sessions as points (influx.enabled)
  kafka  - every event as a CBOR record (kafka.enabled)

With acquisition.reconnect set, a lost connection is reopened with
exponential backoff. A device that never becomes active ends the command.`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	flags := recordCmd.Flags()
	flags.Bool("reconnect", false, "Reopen the connection after a disconnect")
	flags.Bool("influx", false, "Write finalized sessions to InfluxDB")
	flags.Bool("kafka", false, "Publish events to Kafka")
	flags.Int("min-points", 10, "Smallest session kept when a device stops")
	flags.Int("activation-retries", 120, "Transport timeouts tolerated before a channel stops")

	bind := map[string]string{
		"reconnect":          config.KeyReconnect,
		"influx":             config.KeyInfluxEnabled,
		"kafka":              config.KeyKafkaEnabled,
		"min-points":         config.KeyMinSessionPoints,
		"activation-retries": config.KeyActivationRetries,
	}
	for name, key := range bind {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// openSinks creates the configured sinks; the log sink is always first
func openSinks(ctx context.Context, logger *slog.Logger) ([]acquire.Sink, func(), error) {
	sinks := []acquire.Sink{acquire.LogSink{Logger: logger}}
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Influx.Enabled {
		s := influx.New(influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}

	if cfg.Kafka.Enabled {
		s, err := kafka.New(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sink", "sink", s.Name(), "error", err)
			}
		})
	}

	return sinks, cleanup, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	sinks, closeSinks, err := openSinks(ctx, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	dispatcher := acquire.NewDispatcher(cfg.Acquisition.QueueSize, logger, sinks...)
	// Sinks finish the queued events after the signal
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Close()

	reg := session.NewRegistry()
	stats := telemetry.NewStatistics()
	backoff := initialBackoff

	for {
		connected, err := recordOnce(ctx, reg, stats, dispatcher, logger)
		if connected {
			backoff = initialBackoff
		}
		switch {
		case err == nil || ctx.Err() != nil:
			log.Printf("Recording stopped, %d finished sessions", len(reg.Finalized()))
			fmt.Print(stats.String())
			return nil
		case !cfg.Acquisition.Reconnect || !errors.Is(err, telemetry.ErrTransportDisconnected):
			return err
		}

		log.Printf("Connection lost: %v (reconnecting in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, cfg.Acquisition.MaxBackoff)
	}
}

// recordOnce runs one worker over one connection. connected reports whether
// the connection was opened.
func recordOnce(ctx context.Context, reg *session.Registry, stats *telemetry.Statistics, pub session.Publisher, logger *slog.Logger) (connected bool, err error) {
	conn, err := OpenConnection(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", telemetry.ErrTransportDisconnected, err)
	}
	defer conn.Close()
	logger.Info("connected", "connection", conn.Info(), "device", desc.Name)

	worker := acquire.NewWorker(workerConfig(logger, nil), conn.Source(desc, stats), conn, stats, reg, pub)
	return true, worker.Run(ctx)
}
