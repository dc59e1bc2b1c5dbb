package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/delta2dwh/internal/pipeline"
)

// Notifier publishes run summaries to a Kafka topic so alerting and
// lineage tools can react without scraping logs. Publishing is strictly
// best effort: the run's exit status is the contract with the scheduler,
// and a notification failure never changes it.
type Notifier struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// New builds a synchronous writer for the given brokers and topic.
func New(brokers []string, topic string, logger *zap.Logger) *Notifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    1,
		Async:        false,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("kafka writer", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return &Notifier{writer: writer, topic: topic, logger: logger}
}

// Publish sends one summary keyed by run ID. It ignores cancellation of
// the surrounding run so that the summary of an aborted run still goes
// out, bounded by its own timeout.
func (n *Notifier) Publish(ctx context.Context, summary *pipeline.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(summary.RunID),
		Value: data,
		Time:  summary.CompletedAt,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish summary to %s: %w", n.topic, err)
	}
	n.logger.Debug("summary published",
		zap.String("topic", n.topic),
		zap.String("run_id", summary.RunID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close flushes and closes the writer.
func (n *Notifier) Close() error {
	if n.writer != nil {
		return n.writer.Close()
	}
	return nil
}
