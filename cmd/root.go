// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Thermoquad/chargescope/internal/config"
	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

var (
	configFile string

	v    = viper.New()
	cfg  *config.Config
	desc *telemetry.Descriptor
)

var rootCmd = &cobra.Command{
	Use:   "chargescope",
	Short: "Battery charger telemetry analyzer",
	Long: `Chargescope - A CLI tool for acquiring and analyzing battery charger telemetry.

Reads measurement records from a charger, groups them into charge sessions and
hands finished sessions to InfluxDB, Kafka or the log.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]
  HID:       --transport report [--hidraw /dev/hidraw0]

Settings are read from chargescope.toml (./ or ~/.config/chargescope), then
CHARGESCOPE_* environment variables, then flags.

For WebSocket authentication, the password is read from transport.password
(CHARGESCOPE_TRANSPORT_PASSWORD), or prompted interactively if not set. The
--password flag is intentionally not provided to avoid leaking credentials in
shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default: search for chargescope.toml)")

	// Connection flags
	flags.StringP("transport", "t", config.TransportStream, "Transport kind: stream or report")
	flags.StringP("port", "p", "", "Serial port device")
	flags.IntP("baud", "b", 115200, "Baud rate (serial only)")
	flags.StringP("url", "u", "", "WebSocket URL (ws:// or wss://)")
	flags.String("username", "", "Username for HTTP Basic auth")
	flags.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	flags.String("hidraw", "/dev/hidraw0", "hidraw device (report transport)")
	flags.Duration("read-timeout", 100*time.Millisecond, "Single read timeout")
	flags.Duration("frame-timeout", time.Second, "Time without a valid frame that counts as one transport timeout")

	// Acquisition flags
	flags.StringP("device", "d", telemetry.DefaultDevice, "Device descriptor name")
	flags.String("devices-file", "", "TOML file with additional device descriptors")

	bind := map[string]string{
		"transport":     config.KeyTransportKind,
		"port":          config.KeyTransportPort,
		"baud":          config.KeyTransportBaud,
		"url":           config.KeyTransportURL,
		"username":      config.KeyTransportUsername,
		"no-ssl-verify": config.KeyTransportNoSSLVerify,
		"hidraw":        config.KeyTransportHIDRaw,
		"read-timeout":  config.KeyTransportReadTimeout,
		"frame-timeout": config.KeyTransportFrameTimeout,
		"device":        config.KeyDevice,
		"devices-file":  config.KeyDevicesFile,
	}
	for name, key := range bind {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// loadConfig runs before every command
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	d, err := c.Descriptor()
	if err != nil {
		return fmt.Errorf("%s: %w", config.KeyDevice, err)
	}
	cfg, desc = c, d
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
