package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/buildops/be-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: approvals.<event_type>
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string `json:"event_type"`
	RequestID    string `json:"request_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Status       string `json:"status"`
	CurrentStep  int    `json:"current_step"`
	ActorID      string `json:"actor_id"`
	RequestedBy  string `json:"requested_by"`
}

// NewNotificationPublisher connects to NATS and returns a publisher. An
// empty URL returns a nil publisher, which disables publishing.
func NewNotificationPublisher(natsURL string, log zerolog.Logger) (*NotificationPublisher, error) {
	if natsURL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(natsURL, nats.Name("be-approvals"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NotificationPublisher{conn: conn, log: log}, nil
}

// Close drains the NATS connection.
func (p *NotificationPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}

// PublishApprovalEvent publishes one workflow event. Implements
// service.EventPublisher.
func (p *NotificationPublisher) PublishApprovalEvent(_ context.Context, eventType string, req *repository.ApprovalRequest, actorID string) {
	if p == nil || p.conn == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		RequestID:    req.ID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Status:       req.Status,
		CurrentStep:  req.CurrentStepIndex,
		ActorID:      actorID,
		RequestedBy:  req.RequestedBy,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Msg("notification: event published")
}
