package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/location-resolver/internal/config"
	"github.com/couchcryptid/location-resolver/internal/domain"
)

const publishTimeout = 10 * time.Second

// messageWriter is the subset of kafkago.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes resolved location records to a Kafka topic.
type Writer struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewWriter creates a Kafka producer for the configured update topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger, timeout: publishTimeout}
}

// Publish serializes and writes one record.
func (w *Writer) Publish(ctx context.Context, record domain.LocationRecord) error {
	msg, err := serializeToMessage(record)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish location update: %w", err)
	}
	return nil
}

// OnUpdate is a resolver subscriber. It publishes in the background so the
// resolver is never blocked by the broker; failures are logged.
func (w *Writer) OnUpdate(record domain.LocationRecord) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.Publish(ctx, record); err != nil {
			w.logger.Warn("location update not published",
				"source", record.Source,
				"error", err,
			)
		}
	}()
}

// Close waits for in-flight publishes and closes the producer.
func (w *Writer) Close() error {
	w.wg.Wait()
	return w.writer.Close()
}

// serializeToMessage marshals a LocationRecord into a Kafka message keyed by source.
func serializeToMessage(record domain.LocationRecord) (kafkago.Message, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize location record: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(record.Source),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte(record.Source)},
			{Key: "quality", Value: []byte(strconv.FormatFloat(record.Quality, 'f', 1, 64))},
			{Key: "resolved_at", Value: []byte(record.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
