package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/google/uuid"
)

// Publisher publishes committed ledger changes to the events topic
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewPublisher connects a synchronous producer to the configured brokers
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewPublisherWithProducer(producer, cfg.EventsTopic, logger), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		now:      time.Now,
	}
}

// ScoreChanged publishes one ledger change keyed by participant, so a
// participant's events stay ordered within a partition
func (p *Publisher) ScoreChanged(ctx context.Context, change domain.ScoreChange) error {
	event := domain.NewLedgerEvent(change, p.now().UTC())
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling ledger event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(event.ParticipantID, 10)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(uuid.NewString())},
			{Key: []byte("action"), Value: []byte(event.Action)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publishing ledger event: %w", err)
	}

	p.logger.Debug("ledger event published",
		"action", event.Action,
		"participant_id", event.ParticipantID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
