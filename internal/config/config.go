// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads chargescope settings from a TOML file, environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/chargescope/pkg/telemetry"
)

const (
	configName = "chargescope"
	configType = "toml"
	envPrefix  = "CHARGESCOPE"
	configDir  = ".config/chargescope"
)

// Configuration keys. Flags are bound to the same keys.
const (
	KeyTransportKind         = "transport.kind"
	KeyTransportPort         = "transport.port"
	KeyTransportBaud         = "transport.baud"
	KeyTransportURL          = "transport.url"
	KeyTransportUsername     = "transport.username"
	KeyTransportPassword     = "transport.password"
	KeyTransportNoSSLVerify  = "transport.no_ssl_verify"
	KeyTransportHIDRaw       = "transport.hidraw"
	KeyTransportReadTimeout  = "transport.read_timeout"
	KeyTransportFrameTimeout = "transport.frame_timeout"

	KeyDevice            = "acquisition.device"
	KeyDevicesFile       = "acquisition.devices_file"
	KeyActivationRetries = "acquisition.activation_retries"
	KeyMinSessionPoints  = "acquisition.min_session_points"
	KeyQueueSize         = "acquisition.queue_size"
	KeyReconnect         = "acquisition.reconnect"
	KeyMaxBackoff        = "acquisition.max_backoff"

	KeyInfluxEnabled = "influx.enabled"
	KeyInfluxURL     = "influx.url"
	KeyInfluxOrg     = "influx.org"
	KeyInfluxToken   = "influx.token"
	KeyInfluxBucket  = "influx.bucket"

	KeyKafkaEnabled  = "kafka.enabled"
	KeyKafkaBrokers  = "kafka.brokers"
	KeyKafkaTopic    = "kafka.topic"
	KeyKafkaClientID = "kafka.client_id"
)

// Transport kinds
const (
	TransportStream = "stream"
	TransportReport = "report"
)

// Transport selects and configures the device connection
type Transport struct {
	Kind         string
	Port         string
	Baud         int
	URL          string
	Username     string
	Password     string
	NoSSLVerify  bool
	HIDRaw       string
	ReadTimeout  time.Duration
	FrameTimeout time.Duration
}

// Acquisition configures decoding and the session machines
type Acquisition struct {
	Device            string
	DevicesFile       string
	ActivationRetries int
	MinSessionPoints  int
	QueueSize         int
	Reconnect         bool
	MaxBackoff        time.Duration
}

// Influx configures the InfluxDB sink
type Influx struct {
	Enabled bool
	URL     string
	Org     string
	Token   string
	Bucket  string
}

// Kafka configures the Kafka sink
type Kafka struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
}

// Config is the complete runtime configuration
type Config struct {
	Transport   Transport
	Acquisition Acquisition
	Influx      Influx
	Kafka       Kafka

	// File is the config file that was read, empty when none was found
	File string
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTransportKind, TransportStream)
	v.SetDefault(KeyTransportBaud, 115200)
	v.SetDefault(KeyTransportHIDRaw, "/dev/hidraw0")
	v.SetDefault(KeyTransportReadTimeout, 100*time.Millisecond)
	v.SetDefault(KeyTransportFrameTimeout, time.Second)

	v.SetDefault(KeyDevice, telemetry.DefaultDevice)
	v.SetDefault(KeyActivationRetries, 120)
	v.SetDefault(KeyMinSessionPoints, 10)
	v.SetDefault(KeyQueueSize, 256)
	v.SetDefault(KeyMaxBackoff, 30*time.Second)

	v.SetDefault(KeyInfluxURL, "http://localhost:8086")
	v.SetDefault(KeyInfluxBucket, "chargescope")

	v.SetDefault(KeyKafkaBrokers, []string{"localhost:9092"})
	v.SetDefault(KeyKafkaTopic, "chargescope.sessions")
	v.SetDefault(KeyKafkaClientID, "chargescope")
}

// Load reads the configuration into v. With an empty path the file is
// searched for in the working directory and ~/.config/chargescope; a missing
// file is not an error. An explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDir))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Transport: Transport{
			Kind:         v.GetString(KeyTransportKind),
			Port:         v.GetString(KeyTransportPort),
			Baud:         v.GetInt(KeyTransportBaud),
			URL:          v.GetString(KeyTransportURL),
			Username:     v.GetString(KeyTransportUsername),
			Password:     v.GetString(KeyTransportPassword),
			NoSSLVerify:  v.GetBool(KeyTransportNoSSLVerify),
			HIDRaw:       v.GetString(KeyTransportHIDRaw),
			ReadTimeout:  v.GetDuration(KeyTransportReadTimeout),
			FrameTimeout: v.GetDuration(KeyTransportFrameTimeout),
		},
		Acquisition: Acquisition{
			Device:            v.GetString(KeyDevice),
			DevicesFile:       v.GetString(KeyDevicesFile),
			ActivationRetries: v.GetInt(KeyActivationRetries),
			MinSessionPoints:  v.GetInt(KeyMinSessionPoints),
			QueueSize:         v.GetInt(KeyQueueSize),
			Reconnect:         v.GetBool(KeyReconnect),
			MaxBackoff:        v.GetDuration(KeyMaxBackoff),
		},
		Influx: Influx{
			Enabled: v.GetBool(KeyInfluxEnabled),
			URL:     v.GetString(KeyInfluxURL),
			Org:     v.GetString(KeyInfluxOrg),
			Token:   v.GetString(KeyInfluxToken),
			Bucket:  v.GetString(KeyInfluxBucket),
		},
		Kafka: Kafka{
			Enabled:  v.GetBool(KeyKafkaEnabled),
			Brokers:  v.GetStringSlice(KeyKafkaBrokers),
			Topic:    v.GetString(KeyKafkaTopic),
			ClientID: v.GetString(KeyKafkaClientID),
		},
		File: v.ConfigFileUsed(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportStream, TransportReport:
	default:
		return fmt.Errorf("%s: unknown transport kind %q", KeyTransportKind, c.Transport.Kind)
	}
	if c.Transport.ReadTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyTransportReadTimeout)
	}
	if c.Transport.FrameTimeout < c.Transport.ReadTimeout {
		return fmt.Errorf("%s must not be shorter than %s", KeyTransportFrameTimeout, KeyTransportReadTimeout)
	}
	if c.Acquisition.ActivationRetries <= 0 {
		return fmt.Errorf("%s must be positive", KeyActivationRetries)
	}
	if c.Acquisition.MinSessionPoints <= 0 {
		return fmt.Errorf("%s must be positive", KeyMinSessionPoints)
	}
	if c.Acquisition.Reconnect && c.Acquisition.MaxBackoff < time.Second {
		return fmt.Errorf("%s must be at least 1s", KeyMaxBackoff)
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx: url and bucket are required")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka: brokers and topic are required")
	}
	return nil
}

// Descriptor resolves the configured device descriptor
func (c *Config) Descriptor() (*telemetry.Descriptor, error) {
	table, err := telemetry.LoadDevices(c.Acquisition.DevicesFile)
	if err != nil {
		return nil, err
	}
	return table.Lookup(c.Acquisition.Device)
}
