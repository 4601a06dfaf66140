package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisherConfig configures the re-publish writer.
type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts bounds produce retries on transient error. Defaults to 3.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s.
	WriteTimeout time.Duration
}

// KafkaPublisher publishes swarm envelopes keyed by swarmId, so events within
// one swarm land on one partition and stay ordered. Cross-swarm ordering is
// not guaranteed.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
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
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish writes one envelope with bounded retries and exponential backoff.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Envelope) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.SwarmID),
		Value: value,
		Time:  time.Now().UTC(),
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ConsumerConfig configures the orchestrator's consumer loop.
type ConsumerConfig struct {
	Brokers []string
	Topic   string

	// GroupID names the consumer group. Multiple orchestrator instances in
	// one group split partitions between them, so a task.created is consumed
	// by exactly one instance.
	GroupID string

	Logger *log.Logger
}

// Consumer is the single-subscriber poll loop feeding the orchestrator.
type Consumer struct {
	reader       *kafka.Reader
	orchestrator *Orchestrator
	logger       *log.Logger
}

func NewConsumer(cfg ConsumerConfig, orchestrator *Orchestrator) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: consumer group id required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[swarm.consumer] ", log.LstdFlags)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0, // explicit commits after a successful handle
	})
	return &Consumer{reader: reader, orchestrator: orchestrator, logger: logger}, nil
}

// Run blocks fetching and handling messages until ctx is cancelled. Offsets
// commit only after the handler succeeds, giving at-least-once delivery; the
// orchestrator's idempotent mutations absorb the resulting replays.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Printf("starting consumer")
	defer c.logger.Printf("consumer stopped")
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("fetch message: %v", err)
			time.Sleep(time.Second)
			continue
		}

		var ev Envelope
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// Poison message: log, commit, move on. Replaying it forever
			// would stall the partition.
			c.logger.Printf("skip undecodable message at offset %d: %v", msg.Offset, err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.Printf("commit poison message: %v", err)
			}
			continue
		}

		if err := c.orchestrator.HandleEvent(ctx, ev); err != nil {
			// Leave uncommitted so the event is redelivered.
			c.logger.Printf("handle event %s (%s): %v", ev.ID, ev.Type, err)
			time.Sleep(time.Second)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Printf("commit offset %d: %v", msg.Offset, err)
		}
	}
}
