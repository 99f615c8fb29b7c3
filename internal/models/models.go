package models

import (
	"database/sql"
	"time"
)

// Wallet represents a per-user stored balance. One row per user, created
// lazily on first access. BalanceMinor is in minor currency units (cents).
type Wallet struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	BalanceMinor int64     `db:"balance_minor" json:"balance_minor"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction is an immutable ledger entry for a single balance-affecting
// event. WalletID is NULL for platform-level entries such as commission.
type Transaction struct {
	ID                string         `db:"id" json:"id"`
	WalletID          sql.NullInt64  `db:"wallet_id" json:"wallet_id,omitempty"`
	AmountMinor       int64          `db:"amount_minor" json:"amount_minor"`
	Type              string         `db:"type" json:"type"`
	Status            string         `db:"status" json:"status"`
	Description       string         `db:"description" json:"description"`
	OrderID           sql.NullInt64  `db:"order_id" json:"order_id,omitempty"`
	ExternalPaymentID sql.NullString `db:"external_payment_id" json:"external_payment_id,omitempty"`
	PaymentMethod     sql.NullString `db:"payment_method" json:"payment_method,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// Transaction types
const (
	TxTypeCredit     = "CREDIT"
	TxTypeDebit      = "DEBIT"
	TxTypeRefund     = "REFUND"
	TxTypeCommission = "COMMISSION"
	TxTypeWithdrawal = "WITHDRAWAL"
)

// IdempotencyRecord holds the outcome of one client-submitted idempotency
// key. The triple (Scope, UserID, Key) is unique at the store level.
type IdempotencyRecord struct {
	ID           string        `db:"id" json:"id"`
	Scope        string        `db:"scope" json:"scope"`
	UserID       int64         `db:"user_id" json:"user_id"`
	Key          string        `db:"key" json:"key"`
	RequestHash  string        `db:"request_hash" json:"request_hash"`
	Status       string        `db:"status" json:"status"`
	ResponseCode sql.NullInt64 `db:"response_code" json:"response_code,omitempty"`
	ResponseBody []byte        `db:"response_body" json:"response_body,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time     `db:"expires_at" json:"expires_at"`
}

// Idempotency record statuses
const (
	IdempotencyInProgress = "IN_PROGRESS"
	IdempotencyCompleted  = "COMPLETED"
	IdempotencyFailed     = "FAILED"
)
