package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LogSink mirrors events into the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Consume(ev Event) {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("company", ev.Company),
	}
	if ev.Kind != "" {
		fields = append(fields, zap.String("kind", ev.Kind))
	}
	if ev.Month != "" {
		fields = append(fields, zap.String("month", ev.Month))
	}
	if ev.Rows > 0 {
		fields = append(fields, zap.Int("rows", ev.Rows))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
		s.logger.Error(ev.Message, fields...)
		return
	}
	s.logger.Info(ev.Message, fields...)
}

// KafkaSink publishes events to a topic for downstream consumers.
// Writes are buffered and fire-and-forget; a broker outage must not
// stall the sync.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			Async:        true,
			BatchTimeout: 100 * time.Millisecond,
		},
		logger: logger,
	}
}

func (s *KafkaSink) Consume(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Company),
		Value: payload,
	}); err != nil {
		s.logger.Warn("failed to publish progress event to kafka", zap.Error(err))
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
