package models

import "time"

// Event types published by the ledger after commit.
const (
	EventTypeWalletCredited      = "WalletCredited"
	EventTypeWalletDebited       = "WalletDebited"
	EventTypeSettlementCompleted = "SettlementCompleted"
	EventTypeRefundIssued        = "RefundIssued"
)

// BaseEvent contains fields common to all ledger events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// WalletCreditedEvent is published when a wallet balance is increased
type WalletCreditedEvent struct {
	BaseEvent
	UserID        int64  `json:"user_id"`
	AmountMinor   int64  `json:"amount_minor"`
	NewBalance    int64  `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
}

// WalletDebitedEvent is published when a wallet balance is decreased
type WalletDebitedEvent struct {
	BaseEvent
	UserID        int64  `json:"user_id"`
	AmountMinor   int64  `json:"amount_minor"`
	NewBalance    int64  `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
}

// SettlementCompletedEvent is published when an order payment has been
// settled between customer and provider
type SettlementCompletedEvent struct {
	BaseEvent
	OrderID         int64 `json:"order_id"`
	CustomerID      int64 `json:"customer_id"`
	ProviderID      int64 `json:"provider_id"`
	OrderAmount     int64 `json:"order_amount"`
	CommissionMinor int64 `json:"commission_minor"`
	ProviderAmount  int64 `json:"provider_amount"`
}

// RefundIssuedEvent is published when a customer refund has been recorded
type RefundIssuedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	CustomerID  int64  `json:"customer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason"`
}
