package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/statemachine"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface the ledger mutates through. Implemented
// by *store.Store; tests substitute an in-memory fake.
type Store interface {
	WithTx(ctx context.Context, fn func(tx store.TxStore) error) error
	GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error)
	ListTransactions(ctx context.Context, walletID int64, page, limit int) ([]models.Transaction, error)
}

// EventPublisher emits ledger domain events after a mutation commits.
// Publishing is best effort; a publish failure never rolls back money
// movement.
type EventPublisher interface {
	PublishWalletCredited(ctx context.Context, event *models.WalletCreditedEvent) error
	PublishWalletDebited(ctx context.Context, event *models.WalletDebitedEvent) error
	PublishSettlementCompleted(ctx context.Context, event *models.SettlementCompletedEvent) error
	PublishRefundIssued(ctx context.Context, event *models.RefundIssuedEvent) error
}

// Ledger is the only component permitted to mutate wallet balances. Every
// balance change appends a Transaction in the same database transaction, so
// the sum of a wallet's entries always reconciles with its balance.
type Ledger struct {
	store          Store
	events         EventPublisher
	commissionRate float64
	logger         *zap.Logger
}

// NewLedger creates a ledger service. events may be nil when no broker is
// wired (tests, offline tools).
func NewLedger(store Store, events EventPublisher, commissionRate float64) *Ledger {
	return &Ledger{
		store:          store,
		events:         events,
		commissionRate: commissionRate,
		logger:         util.GetLogger(),
	}
}

// MutationResult is returned by single-wallet mutations.
type MutationResult struct {
	NewBalanceMinor int64  `json:"new_balance_minor"`
	TransactionID   string `json:"transaction_id"`
}

// SettlementResult is returned by SettleOrderPayment.
type SettlementResult struct {
	CustomerBalanceMinor int64 `json:"customer_balance_minor"`
	ProviderBalanceMinor int64 `json:"provider_balance_minor"`
	CommissionMinor      int64 `json:"commission_minor"`
	ProviderAmountMinor  int64 `json:"provider_amount_minor"`
}

// CreditOptions carries optional metadata for Credit.
type CreditOptions struct {
	PaymentMethod     string
	ExternalPaymentID string
}

// GetOrCreateWallet returns the user's wallet, creating it with a zero
// balance on first access.
func (l *Ledger) GetOrCreateWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.GetOrCreateWallet")
	defer span.End()

	var wallet *models.Wallet
	err := l.store.WithTx(ctx, func(tx store.TxStore) error {
		w, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, l.infraError("get or create wallet", err)
	}
	return wallet, nil
}

// Credit increments the user's balance and appends a CREDIT transaction.
func (l *Ledger) Credit(ctx context.Context, userID, amountMinor int64, description string, opts CreditOptions) (*MutationResult, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Credit")
	defer span.End()

	if amountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	var result MutationResult
	err := l.store.WithTx(ctx, func(tx store.TxStore) error {
		wallet, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		entry := &models.Transaction{
			WalletID:    sql.NullInt64{Int64: wallet.ID, Valid: true},
			AmountMinor: amountMinor,
			Type:        models.TxTypeCredit,
			Description: description,
		}
		if opts.PaymentMethod != "" {
			entry.PaymentMethod = sql.NullString{String: opts.PaymentMethod, Valid: true}
		}
		if opts.ExternalPaymentID != "" {
			entry.ExternalPaymentID = sql.NullString{String: opts.ExternalPaymentID, Valid: true}
		}
		newBalance, err := l.post(ctx, tx, wallet, amountMinor, entry)
		if err != nil {
			return err
		}
		result = MutationResult{NewBalanceMinor: newBalance, TransactionID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, l.infraError("credit", err)
	}

	util.WalletCreditsTotal.Inc()
	l.publishCredited(ctx, userID, amountMinor, &result)
	return &result, nil
}

// Debit decrements the user's balance after checking it covers the amount.
// The check and the decrement happen under the wallet row lock, so two
// concurrent debits cannot both observe a balance that permits overdraft.
func (l *Ledger) Debit(ctx context.Context, userID, amountMinor int64, description string, orderID int64) (*MutationResult, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Debit")
	defer span.End()

	if amountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	var result MutationResult
	err := l.store.WithTx(ctx, func(tx store.TxStore) error {
		wallet, err := tx.GetOrCreateWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newBalance, txID, err := l.debitLocked(ctx, tx, wallet, amountMinor, description, orderID, models.TxTypeDebit)
		if err != nil {
			return err
		}
		result = MutationResult{NewBalanceMinor: newBalance, TransactionID: txID}
		return nil
	})
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			util.DebitsRejectedTotal.WithLabelValues("insufficient_funds").Inc()
			return nil, err
		}
		return nil, l.infraError("debit", err)
	}

	util.WalletDebitsTotal.Inc()
	l.publishDebited(ctx, userID, amountMinor, &result)
	return &result, nil
}

// Transfer moves amountMinor from one user to another. Both steps run in a
// single database transaction: if the credit side fails the debit rolls
// back with it, so balance queries never observe a partial transfer.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID, amountMinor int64, description string, orderID int64) (*MutationResult, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Transfer")
	defer span.End()

	if amountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	var result MutationResult
	err := l.store.WithTx(ctx, func(tx store.TxStore) error {
		from, to, err := lockPair(ctx, tx, fromUserID, toUserID)
		if err != nil {
			return err
		}

		if _, _, err := l.debitLocked(ctx, tx, from, amountMinor, description, orderID, models.TxTypeDebit); err != nil {
			return err
		}

		creditEntry := &models.Transaction{
			WalletID:    sql.NullInt64{Int64: to.ID, Valid: true},
			AmountMinor: amountMinor,
			Type:        models.TxTypeCredit,
			Description: description,
		}
		if orderID != 0 {
			creditEntry.OrderID = sql.NullInt64{Int64: orderID, Valid: true}
		}
		newBalance, err := l.post(ctx, tx, to, amountMinor, creditEntry)
		if err != nil {
			return err
		}
		result = MutationResult{NewBalanceMinor: newBalance, TransactionID: creditEntry.ID}
		return nil
	})
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			util.DebitsRejectedTotal.WithLabelValues("insufficient_funds").Inc()
			return nil, err
		}
		return nil, l.infraError("transfer", err)
	}

	util.TransfersTotal.Inc()
	return &result, nil
}

// ComputeCommission splits an amount into the platform commission and the
// provider's share, rounded to the minor unit with no rounding leakage:
// commission + providerAmount always equals amountMinor exactly.
func ComputeCommission(amountMinor int64, rate float64) (commissionMinor, providerAmountMinor int64) {
	commissionMinor = int64(math.Round(float64(amountMinor) * rate))
	providerAmountMinor = amountMinor - commissionMinor
	return commissionMinor, providerAmountMinor
}

// SettleOrderPayment debits the customer for the full order amount, credits
// the provider with the amount net of commission, and records a
// platform-level COMMISSION entry (NULL wallet id). All three legs share
// one database transaction; a failure in any leg rolls back the others, so
// the customer is never left debited without the matching provider credit.
func (l *Ledger) SettleOrderPayment(ctx context.Context, customerID, providerID, orderAmountMinor, orderID int64) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.SettleOrderPayment")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	if orderAmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	commission, providerAmount := ComputeCommission(orderAmountMinor, l.commissionRate)

	var result SettlementResult
	err := l.store.WithTx(ctx, func(tx store.TxStore) error {
		customer, provider, err := lockPair(ctx, tx, customerID, providerID)
		if err != nil {
			return err
		}

		desc := fmt.Sprintf("Payment for order #%d", orderID)
		customerBalance, _, err := l.debitLocked(ctx, tx, customer, orderAmountMinor, desc, orderID, models.TxTypeDebit)
		if err != nil {
			return err
		}

		creditEntry := &models.Transaction{
			WalletID:    sql.NullInt64{Int64: provider.ID, Valid: true},
			AmountMinor: providerAmount,
			Type:        models.TxTypeCredit,
			Description: fmt.Sprintf("Earnings for order #%d", orderID),
			OrderID:     sql.NullInt64{Int64: orderID, Valid: true},
		}
		providerBalance, err := l.post(ctx, tx, provider, providerAmount, creditEntry)
		if err != nil {
			return err
		}

		// Platform ledger entry; no wallet row to lock or update.
		commissionEntry := &models.Transaction{
			AmountMinor: commission,
			Type:        models.TxTypeCommission,
			Description: fmt.Sprintf("Commission for order #%d", orderID),
			OrderID:     sql.NullInt64{Int64: orderID, Valid: true},
		}
		if err := l.insertPosted(ctx, tx, commissionEntry); err != nil {
			return err
		}

		result = SettlementResult{
			CustomerBalanceMinor: customerBalance,
			ProviderBalanceMinor: providerBalance,
			CommissionMinor:      commission,
			ProviderAmountMinor:  providerAmount,
		}
		return nil
	})
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			util.SettlementsFailedTotal.WithLabelValues("insufficient_funds").Inc()
			return nil, err
		}
		util.SettlementsFailedTotal.WithLabelValues("store_error").Inc()
		return nil, l.infraError("settle order payment", err)
	}

	util.SettlementsTotal.Inc()
	l.logger.Info("Order payment settled",
		zap.Int64("order_id", orderID),
		zap.Int64("customer_id", customerID),
		zap.Int64("provider_id", providerID),
		zap.Int64("commission_minor", commission))

	if l.events != nil {
		event := &models.SettlementCompletedEvent{
			BaseEvent:       newBaseEvent(models.EventTypeSettlementCompleted),
			OrderID:         orderID,
			CustomerID:      customerID,
			ProviderID:      providerID,
			OrderAmount:     orderAmountMinor,
			CommissionMinor: commission,
			ProviderAmount:  providerAmount,
		}
		if err := l.events.PublishSettlementCompleted(ctx, event); err != nil {
			l.logger.Error("Failed to publish SettlementCompleted event", zap.Error(err))
		}
	}

	return &result, nil
}

// Refund credits the customer and records a REFUND transaction tagged with
// the order and reason.
func (l *Ledger) Refund(ctx context.Context, customerID, amountMinor, orderID int64, reason string) (*MutationResult, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Refund")
	defer span.End()

	if amountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	var result MutationResult
	err := l.store.WithTx(ctx, func(tx store.TxStore) error {
		wallet, err := tx.GetOrCreateWalletForUpdate(ctx, customerID)
		if err != nil {
			return err
		}
		entry := &models.Transaction{
			WalletID:    sql.NullInt64{Int64: wallet.ID, Valid: true},
			AmountMinor: amountMinor,
			Type:        models.TxTypeRefund,
			Description: fmt.Sprintf("Refund for order #%d: %s", orderID, reason),
			OrderID:     sql.NullInt64{Int64: orderID, Valid: true},
		}
		newBalance, err := l.post(ctx, tx, wallet, amountMinor, entry)
		if err != nil {
			return err
		}
		result = MutationResult{NewBalanceMinor: newBalance, TransactionID: entry.ID}
		return nil
	})
	if err != nil {
		return nil, l.infraError("refund", err)
	}

	util.RefundsTotal.Inc()
	if l.events != nil {
		event := &models.RefundIssuedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeRefundIssued),
			OrderID:     orderID,
			CustomerID:  customerID,
			AmountMinor: amountMinor,
			Reason:      reason,
		}
		if err := l.events.PublishRefundIssued(ctx, event); err != nil {
			l.logger.Error("Failed to publish RefundIssued event", zap.Error(err))
		}
	}
	return &result, nil
}

// ListUserTransactions resolves the user's wallet without taking its row
// lock and returns a page of its entries plus the wallet id. A user with no
// wallet yet has an empty history.
func (l *Ledger) ListUserTransactions(ctx context.Context, userID int64, page, limit int) ([]models.Transaction, int64, error) {
	wallet, err := l.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, 0, l.infraError("list user transactions", err)
	}
	if wallet == nil {
		return []models.Transaction{}, 0, nil
	}
	txs, err := l.ListTransactions(ctx, wallet.ID, page, limit)
	if err != nil {
		return nil, 0, err
	}
	return txs, wallet.ID, nil
}

// ListTransactions returns a page of a wallet's ledger entries, newest
// first. page starts at 1; limit is clamped to [1, 100].
func (l *Ledger) ListTransactions(ctx context.Context, walletID int64, page, limit int) ([]models.Transaction, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	txs, err := l.store.ListTransactions(ctx, walletID, page, limit)
	if err != nil {
		return nil, l.infraError("list transactions", err)
	}
	return txs, nil
}

// debitLocked applies a debit to an already locked wallet.
func (l *Ledger) debitLocked(ctx context.Context, tx store.TxStore, wallet *models.Wallet, amountMinor int64, description string, orderID int64, txType string) (int64, string, error) {
	if wallet.BalanceMinor < amountMinor {
		return 0, "", &InsufficientFundsError{
			BalanceMinor:  wallet.BalanceMinor,
			RequiredMinor: amountMinor,
		}
	}

	entry := &models.Transaction{
		WalletID:    sql.NullInt64{Int64: wallet.ID, Valid: true},
		AmountMinor: -amountMinor,
		Type:        txType,
		Description: description,
	}
	if orderID != 0 {
		entry.OrderID = sql.NullInt64{Int64: orderID, Valid: true}
	}
	newBalance, err := l.post(ctx, tx, wallet, -amountMinor, entry)
	if err != nil {
		return 0, "", err
	}
	return newBalance, entry.ID, nil
}

// post appends an entry and applies its delta to the locked wallet.
func (l *Ledger) post(ctx context.Context, tx store.TxStore, wallet *models.Wallet, deltaMinor int64, entry *models.Transaction) (int64, error) {
	if err := l.insertPosted(ctx, tx, entry); err != nil {
		return 0, err
	}

	newBalance := wallet.BalanceMinor + deltaMinor
	if err := tx.UpdateWalletBalance(ctx, wallet.ID, newBalance); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	wallet.BalanceMinor = newBalance
	return newBalance, nil
}

// insertPosted records an entry as POSTED after validating the wallet
// transaction lifecycle.
func (l *Ledger) insertPosted(ctx context.Context, tx store.TxStore, entry *models.Transaction) error {
	if err := statemachine.AssertTransition(statemachine.KindWalletTx,
		statemachine.WalletTxInitiated, statemachine.WalletTxPosted); err != nil {
		return err
	}
	entry.ID = uuid.New().String()
	entry.Status = statemachine.WalletTxPosted
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// lockPair locks two users' wallets in ascending user id order so
// concurrent cross-wallet operations cannot deadlock. Returns the wallets
// in the order the users were passed. When both ids name the same user the
// row is locked once and the same wallet is returned for both positions, so
// a debit leg's balance update is visible to the credit leg instead of
// being overwritten from a stale second read.
func lockPair(ctx context.Context, tx store.TxStore, firstUserID, secondUserID int64) (*models.Wallet, *models.Wallet, error) {
	if firstUserID == secondUserID {
		w, err := tx.GetOrCreateWalletForUpdate(ctx, firstUserID)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	}

	a, b := firstUserID, secondUserID
	if a > b {
		a, b = b, a
	}

	walletA, err := tx.GetOrCreateWalletForUpdate(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	walletB, err := tx.GetOrCreateWalletForUpdate(ctx, b)
	if err != nil {
		return nil, nil, err
	}

	if firstUserID == a {
		return walletA, walletB, nil
	}
	return walletB, walletA, nil
}

func (l *Ledger) infraError(op string, err error) error {
	var insufficient *InsufficientFundsError
	var conflict *statemachine.ConflictError
	if errors.Is(err, ErrInvalidAmount) || errors.As(err, &insufficient) || errors.As(err, &conflict) {
		return err
	}
	l.logger.Error("Ledger operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, op, err)
}

func (l *Ledger) publishCredited(ctx context.Context, userID, amountMinor int64, result *MutationResult) {
	if l.events == nil {
		return
	}
	event := &models.WalletCreditedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeWalletCredited),
		UserID:        userID,
		AmountMinor:   amountMinor,
		NewBalance:    result.NewBalanceMinor,
		TransactionID: result.TransactionID,
	}
	if err := l.events.PublishWalletCredited(ctx, event); err != nil {
		l.logger.Error("Failed to publish WalletCredited event", zap.Error(err))
	}
}

func (l *Ledger) publishDebited(ctx context.Context, userID, amountMinor int64, result *MutationResult) {
	if l.events == nil {
		return
	}
	event := &models.WalletDebitedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeWalletDebited),
		UserID:        userID,
		AmountMinor:   amountMinor,
		NewBalance:    result.NewBalanceMinor,
		TransactionID: result.TransactionID,
	}
	if err := l.events.PublishWalletDebited(ctx, event); err != nil {
		l.logger.Error("Failed to publish WalletDebited event", zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
