package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chatmarket/chatmarket/internal/events"
)

// KafkaPort enqueues notifications on the notifications topic. A send failure
// is returned to the caller, which logs it; notification failures never roll
// back a status transition.
type KafkaPort struct {
	prod  *events.Producer
	topic string
}

func NewKafkaPort(prod *events.Producer, topic string) *KafkaPort {
	return &KafkaPort{prod: prod, topic: topic}
}

func (p *KafkaPort) NotifyUser(ctx context.Context, targetID int64, message string) error {
	evt := events.Envelope{
		EventType:    events.TypeNotification,
		EventVersion: "v1",
		AggregateID:  strconv.FormatInt(targetID, 10),
		Data:         Message{TargetID: targetID, Text: message},
	}
	if err := p.prod.Publish(ctx, p.topic, strconv.FormatInt(targetID, 10), evt); err != nil {
		return fmt.Errorf("enqueue user notification: %w", err)
	}
	return nil
}

func (p *KafkaPort) NotifyAdmins(ctx context.Context, message string) error {
	evt := events.Envelope{
		EventType:    events.TypeNotification,
		EventVersion: "v1",
		AggregateID:  "admins",
		Data:         Message{ToAdmins: true, Text: message},
	}
	if err := p.prod.Publish(ctx, p.topic, "admins", evt); err != nil {
		return fmt.Errorf("enqueue admin notification: %w", err)
	}
	return nil
}
