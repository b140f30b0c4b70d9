// Package publish forwards progress events to Kafka so other services can
// follow conversions.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"doc2long/internal/models"
)

// messageWriter is implemented by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Exporter writes progress events to a topic, keyed by task id so one task's
// events stay ordered within a partition.
type Exporter struct {
	w   messageWriter
	log zerolog.Logger
}

// NewExporter creates an exporter for brokers/topic.
func NewExporter(brokers []string, topic string, log zerolog.Logger) *Exporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newExporter(w, log)
}

func newExporter(w messageWriter, log zerolog.Logger) *Exporter {
	return &Exporter{w: w, log: log.With().Str("component", "kafka").Logger()}
}

// Publish sends one event.
func (e *Exporter) Publish(ctx context.Context, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := e.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TaskID),
		Value: data,
		Time:  ev.Time,
	}); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}

// Run publishes events until the channel closes or ctx is done. Send
// failures are logged and the event dropped; the stream keeps flowing.
func (e *Exporter) Run(ctx context.Context, events <-chan models.ProgressEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Publish(ctx, ev); err != nil {
				e.log.Warn().Err(err).Str("task", ev.TaskID).Msg("event not exported")
			}
		}
	}
}

// Close flushes pending writes.
func (e *Exporter) Close() error {
	return e.w.Close()
}
