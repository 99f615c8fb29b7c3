package broker

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
)

// EventPublisher publishes ledger domain events. Events for the same wallet
// share a partition key so consumers see them in order.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishWalletCredited publishes a WalletCredited event
func (ep *EventPublisher) PublishWalletCredited(ctx context.Context, event *models.WalletCreditedEvent) error {
	key := fmt.Sprintf("wallet-%d", event.UserID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishWalletDebited publishes a WalletDebited event
func (ep *EventPublisher) PublishWalletDebited(ctx context.Context, event *models.WalletDebitedEvent) error {
	key := fmt.Sprintf("wallet-%d", event.UserID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSettlementCompleted publishes a SettlementCompleted event
func (ep *EventPublisher) PublishSettlementCompleted(ctx context.Context, event *models.SettlementCompletedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishRefundIssued publishes a RefundIssued event
func (ep *EventPublisher) PublishRefundIssued(ctx context.Context, event *models.RefundIssuedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}
