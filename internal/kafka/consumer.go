package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
)

// SubmissionHandler applies score submissions to the ledger
type SubmissionHandler interface {
	RecordSubmission(ctx context.Context, sub domain.ScoreSubmission) (*domain.ScoreChange, error)
}

// Consumer applies judges' score submissions read from Kafka. Offsets are
// committed only after the batch holding them has been applied.
type Consumer struct {
	config  *config.KafkaConfig
	handler SubmissionHandler
	logger  *slog.Logger
	group   sarama.ConsumerGroup

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
}

// NewConsumer joins the configured consumer group
func NewConsumer(cfg *config.KafkaConfig, handler SubmissionHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// Submissions made while the server was down must still be scored
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:  cfg,
		handler: handler,
		logger:  logger.With("component", "kafka_consumer", "topic", cfg.SubmissionsTopic),
		group:   group,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}, nil
}

// Start consumes in the background and returns once the first session has
// been set up
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer", "brokers", c.config.Brokers, "group_id", c.config.GroupID)

	c.wg.Add(2)
	go c.run()
	go c.logErrors()

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// run rejoins the group after every rebalance until the consumer stops
func (c *Consumer) run() {
	defer c.wg.Done()
	handler := &consumerGroupHandler{consumer: c}
	for {
		err := c.group.Consume(c.ctx, []string{c.config.SubmissionsTopic}, handler)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		case err != nil:
			c.logger.Error("consumer session failed", "error", err)
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) logErrors() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.logger.Error("consumer group error", "error", err)
		}
	}
}

func (c *Consumer) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Stop finishes the in-flight batch and leaves the group. It is safe to
// call more than once.
func (c *Consumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info("stopping Kafka consumer")
		c.cancel()
		c.wg.Wait()
		err = c.group.Close()
	})
	return err
}

// decodeSubmission parses and validates one message value
func decodeSubmission(value []byte) (domain.ScoreSubmission, error) {
	var sub domain.ScoreSubmission
	if err := json.Unmarshal(value, &sub); err != nil {
		return sub, domain.Invalid("malformed submission: %v", err)
	}
	if err := sub.Validate(); err != nil {
		return sub, err
	}
	return sub, nil
}

// retryable reports whether a failed submission may succeed on another try.
// Classified domain errors are final; store and network failures are not.
func retryable(err error) bool {
	return domain.CodeOf(err) == domain.CodeInternal || errors.Is(err, domain.ErrScoreConflict)
}

// applyBatch records every submission in order. Submissions rejected by the
// ledger are logged and skipped.
func (c *Consumer) applyBatch(ctx context.Context, batch []domain.ScoreSubmission) (applied, skipped int) {
	for _, sub := range batch {
		var err error
		for attempt := 1; attempt <= max(c.config.RetryAttempts, 1); attempt++ {
			_, err = c.handler.RecordSubmission(ctx, sub)
			if err == nil || !retryable(err) {
				break
			}
			c.logger.Warn("submission failed, retrying",
				"participant_id", sub.ParticipantID,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return applied, skipped + 1
			case <-time.After(c.config.RetryDelay):
			}
		}

		if err != nil {
			c.logger.Error("dropping score submission",
				"participant_id", sub.ParticipantID,
				"block_id", sub.BlockID,
				"lane", sub.Lane,
				"code", domain.CodeOf(err),
				"error", err,
			)
			skipped++
			continue
		}
		applied++
	}
	return applied, skipped
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Debug("consumer session started", "claims", session.Claims())
	h.consumer.markReady()
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Offsets are marked
// once the batch holding them has been applied.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]domain.ScoreSubmission, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			applied, skipped := h.consumer.applyBatch(ctx, batch)
			cancel()
			h.consumer.logger.Debug("processed batch", "batch_size", len(batch), "applied", applied, "skipped", skipped)
			batch = batch[:0]
		}
		if last != nil {
			session.MarkMessage(last, "")
			last = nil
		}
	}

	for {
		select {
		case <-session.Context().Done():
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}
			last = message

			sub, err := decodeSubmission(message.Value)
			if err != nil {
				h.consumer.logger.Warn("invalid score submission",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, sub)
			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
