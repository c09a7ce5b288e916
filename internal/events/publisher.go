package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vending-service/internal/client"
	"vending-service/internal/models"
	"vending-service/internal/util"
)

// Publisher emits session lifecycle events to Kafka. Publishing is
// best-effort: the payment flow never fails because the event stream is
// down. A nil Publisher is valid and drops everything.
type Publisher struct {
	producer *client.KafkaProducer
	topic    string
	logger   *zap.Logger
}

func NewPublisher(producer *client.KafkaProducer, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Publish emits one session event, keyed by session id so per-session
// ordering is preserved within a partition.
func (p *Publisher) Publish(ctx context.Context, eventType, sessionID, machineID string, detail map[string]string) {
	if p == nil || p.producer == nil {
		return
	}

	event := models.SessionEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		SessionID:  sessionID,
		MachineID:  machineID,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal session event",
			util.String("type", eventType),
			util.ErrorField(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.producer.WriteMessage(ctx, p.topic, []byte(sessionID), value); err != nil {
		p.logger.Warn("Failed to publish session event",
			util.String("type", eventType),
			util.String("session_id", sessionID),
			util.ErrorField(err))
	}
}
