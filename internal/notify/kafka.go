package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSinkConfig contains configurable parameters for the Kafka sink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration

	Logger *log.Logger
}

// KafkaSink publishes orchestrator events to Kafka. Messages are keyed by run
// ID so one run's events land on the same partition in order. Failures are
// logged and dropped; the sink never propagates errors into a promotion run.
type KafkaSink struct {
	writer      *kafka.Writer
	maxAttempts int
	logger      *log.Logger
}

func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaSink{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
	}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("marshal event: %v", err)
		return
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(ev.RunID.String()),
			Value: value,
			Time:  time.Now().UTC(),
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	s.logger.Printf("publish %s for run %s failed after %d attempts: %v", ev.Type, ev.RunID, s.maxAttempts, lastErr)
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
