// Package kafka publishes run audit events. The audit stream is strictly
// observational; reconciliation never reads it back, so losing events cannot
// corrupt the pipeline's view of what is published.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// AuditWriter produces one message per reconciliation run to the audit topic.
// It implements pipeline.AuditSink.
type AuditWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewAuditWriter creates a Kafka producer for the configured audit topic.
func NewAuditWriter(cfg *config.Config, logger *slog.Logger) *AuditWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.AuditBrokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}
	return &AuditWriter{writer: w, logger: logger}
}

// RecordRun serializes and publishes one run summary.
func (w *AuditWriter) RecordRun(ctx context.Context, summary domain.RunSummary) error {
	msg, err := serializeRun(summary)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *AuditWriter) Close() error {
	return w.writer.Close()
}

// serializeRun marshals a run summary into a Kafka message keyed by start
// time so compacted topics keep one event per run.
func serializeRun(summary domain.RunSummary) (kafkago.Message, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize run summary: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(summary.Started.UTC().Format(time.RFC3339)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "considered", Value: []byte(strconv.Itoa(summary.Considered))},
			{Key: "failed", Value: []byte(strconv.Itoa(summary.Failed))},
		},
	}, nil
}
