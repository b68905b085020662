package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

const (
	TopicCreditDebited     = "ledger.credit.debited"
	TopicCreditRefunded    = "ledger.credit.refunded"
	TopicPeriodRolledOver  = "ledger.period.rolled_over"
	TopicStatusChanged     = "ledger.subscription.status_changed"
	TopicCreditPurchased   = "ledger.credit.purchased"
)

// LedgerEvent представляет событие леджера для Kafka
type LedgerEvent struct {
	StoreID        string             `json:"store_id"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Amount         int64              `json:"amount,omitempty"`
	PoolsCharged   []domain.PoolCharge `json:"pools_charged,omitempty"`
	OverageCharged string             `json:"overage_charged,omitempty"`
	Status         string             `json:"status,omitempty"`
	PeriodsGranted int                `json:"periods_granted,omitempty"`
	Balance        int64              `json:"balance"`
	Timestamp      time.Time          `json:"timestamp"`
}

// LedgerProducer интерфейс для отправки событий леджера
type LedgerProducer interface {
	PublishLedgerEvent(ctx context.Context, topic string, event LedgerEvent) error
	Close() error
}

type kafkaLedgerProducer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewKafkaLedgerProducer создает новый продюсер событий леджера
func NewKafkaLedgerProducer(producer sarama.SyncProducer, log *logger.Logger) LedgerProducer {
	return &kafkaLedgerProducer{
		producer: producer,
		log:      log,
	}
}

// PublishLedgerEvent публикует событие леджера в Kafka.
// Ключ сообщения — StoreID: события одного магазина попадают в одну
// партицию и сохраняют порядок.
func (p *kafkaLedgerProducer) PublishLedgerEvent(ctx context.Context, topic string, event LedgerEvent) error {
	event.Timestamp = time.Now()

	messageValue, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.StoreID),
		Value: sarama.ByteEncoder(messageValue),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(topic),
			},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to publish ledger event: %w", err)
	}

	p.log.Debug("Published ledger event to topic %s: partition=%d offset=%d",
		topic, partition, offset)

	return nil
}

// Close закрывает продюсер
func (p *kafkaLedgerProducer) Close() error {
	return p.producer.Close()
}

// NoOpProducer заглушка продюсера: используется, когда Kafka недоступна
type NoOpProducer struct{}

// PublishLedgerEvent ничего не делает
func (NoOpProducer) PublishLedgerEvent(ctx context.Context, topic string, event LedgerEvent) error {
	return nil
}

// Close ничего не делает
func (NoOpProducer) Close() error {
	return nil
}
