// Package events publishes bridge lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hermes/internal/ledger"
	"hermes/pkg/logging"
)

// Topic is where bridge lifecycle events are written.
const Topic = "bridge_events"

// Event types.
const (
	TypeInitiated             = "transaction_initiated"
	TypeCompleted             = "transaction_completed"
	TypeFailed                = "transaction_failed"
	TypePayoutFailedAfterBurn = "payout_failed_after_burn"
)

type Event struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id"`
	TxType        ledger.TxType   `json:"tx_type"`
	JobID         string          `json:"job_id,omitempty"`
	UserID        string          `json:"user_id"`
	Status        ledger.TxStatus `json:"status"`
	TxHash        string          `json:"tx_hash,omitempty"`
	AmountUGX     decimal.Decimal `json:"amount_ugx"`
	AmountUGDX    decimal.Decimal `json:"amount_ugdx"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// FromTransaction builds an event of the given type from a transaction snapshot.
func FromTransaction(eventType string, tx *ledger.Transaction) Event {
	return Event{
		EventID:       uuid.NewString(),
		Type:          eventType,
		TransactionID: tx.ID,
		TxType:        tx.Type,
		JobID:         tx.JobID,
		UserID:        tx.UserID,
		Status:        tx.Status,
		TxHash:        tx.TxHash,
		AmountUGX:     tx.AmountUGX,
		AmountUGDX:    tx.UGDXAmount,
		Timestamp:     time.Now().UTC(),
	}
}

// Publisher emits events after a ledger transition has committed.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Producer is the subset of pkg/kafka.Producer used here.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher writes events keyed by transaction id. Failures are logged
// and dropped.
type KafkaPublisher struct {
	producer Producer
	topic    string
	logger   logging.Logger
}

func NewKafkaPublisher(producer Producer, topic string, logger logging.Logger) *KafkaPublisher {
	if topic == "" {
		topic = Topic
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) {
	if err := p.publish(ctx, evt); err != nil {
		p.logger.WithFields(logging.Fields{
			"event_type":     evt.Type,
			"transaction_id": evt.TransactionID,
			"error":          err,
		}).Warn("Failed to publish bridge event")
	}
}

func (p *KafkaPublisher) publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	headers := map[string]string{
		"event_type": evt.Type,
		"source":     "hermes-bridge",
	}
	return p.producer.Produce(ctx, p.topic, []byte(evt.TransactionID), value, headers)
}

// Noop discards events; used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Noop{}
)
