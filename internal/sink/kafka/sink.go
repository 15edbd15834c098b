// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package kafka publishes session lifecycle events to a Kafka topic as CBOR
// encoded records.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/Thermoquad/chargescope/pkg/session"
)

// HeaderEventType carries the event type so consumers can filter without
// decoding the value
const HeaderEventType = "event-type"

// Config holds the producer settings
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewSaramaConfig returns the producer configuration used by New
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second
	// Keyed by channel; keep per-channel ordering on one partition
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// Sink sends every event synchronously
type Sink struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
}

// New connects a sync producer to the brokers
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("kafka producer %v: %w", cfg.Brokers, err)
	}
	return NewWithProducer(producer, cfg.Topic, logger), nil
}

// NewWithProducer wraps an existing producer
func NewWithProducer(p sarama.SyncProducer, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{producer: p, topic: topic, log: logger}
}

// Name implements acquire.Sink
func (s *Sink) Name() string { return "kafka" }

// Handle implements acquire.Sink
func (s *Sink) Handle(_ context.Context, e session.Event) error {
	value, err := session.EncodeEvent(e)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder("ch" + strconv.Itoa(int(e.Channel))),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(e.Type)},
		},
		Timestamp: e.Time,
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", e.Type, err)
	}
	s.log.Debug("event sent", "type", e.Type, "channel", e.Channel, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the producer
func (s *Sink) Close() error {
	return s.producer.Close()
}
