// Package kafka publishes prediction results to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/config"
	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// ResultWriter produces prediction results to the result topic.
// It implements pipeline.ResultSink.
type ResultWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewResultWriter creates a Kafka producer for the configured result topic.
func NewResultWriter(cfg *config.Config, logger *slog.Logger) *ResultWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaResultTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &ResultWriter{writer: w, logger: logger}
}

// Publish serializes results and writes them in a single WriteMessages call.
func (w *ResultWriter) Publish(ctx context.Context, results ...domain.PredictionResult) error {
	if len(results) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(results))
	for i := range results {
		msg, err := serializeToMessage(results[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d results: %w", len(msgs), err)
	}
	w.logger.Debug("results published", "count", len(msgs), "topic", w.writer.Topic)
	return nil
}

func (w *ResultWriter) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a result into a Kafka message keyed by the
// rounded location, so results for one cell land on one partition.
func serializeToMessage(result domain.PredictionResult) (kafkago.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize prediction result: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(result.Location.Round(domain.CachePrecision).String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "request_id", Value: []byte(result.RequestID)},
			{Key: "model", Value: []byte(result.Model)},
			{Key: "predicted_at", Value: []byte(result.PredictedAt.Format(time.RFC3339))},
		},
	}, nil
}
