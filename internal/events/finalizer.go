package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-commerce/internal/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CartCompletedEvent is handed to the downstream sale-finalization consumer
// once a payment is confirmed.
type CartCompletedEvent struct {
	EventID   string    `json:"event_id"`
	CartID    int64     `json:"cart_id"`
	UserID    int64     `json:"user_id"`
	Total     string    `json:"total"`
	PaymentID int64     `json:"payment_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Finalizer receives completed carts. Failures are logged by the caller and
// never fail the webhook acknowledgment; the completed status itself is the
// durable record.
type Finalizer interface {
	FinalizeSale(ctx context.Context, cart *models.Cart) error
}

type KafkaFinalizer struct {
	writer *kafka.Writer
}

func NewKafkaFinalizer(brokers []string, topic string) *KafkaFinalizer {
	return &KafkaFinalizer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (f *KafkaFinalizer) FinalizeSale(ctx context.Context, cart *models.Cart) error {
	event := CartCompletedEvent{
		EventID:   uuid.NewString(),
		CartID:    cart.ID,
		UserID:    cart.UserID,
		Total:     cart.Total.String(),
		Timestamp: time.Now().UTC(),
	}
	if cart.Payment != nil {
		event.PaymentID = cart.Payment.ID
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal cart completed event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("cart-%d", cart.ID)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("cart.completed")},
		},
	}

	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish cart completed: %w", err)
	}

	return nil
}

func (f *KafkaFinalizer) Close() error {
	return f.writer.Close()
}

// LogFinalizer stands in when no brokers are configured.
type LogFinalizer struct {
	logger *zap.Logger
}

func NewLogFinalizer(logger *zap.Logger) *LogFinalizer {
	return &LogFinalizer{logger: logger}
}

func (f *LogFinalizer) FinalizeSale(_ context.Context, cart *models.Cart) error {
	f.logger.Info("sale finalized (no kafka configured)",
		zap.Int64("cart_id", cart.ID),
		zap.String("total", cart.Total.String()))
	return nil
}
