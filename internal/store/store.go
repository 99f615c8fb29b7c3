package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// TxStore is the set of wallet mutations available inside a database
// transaction. Row locks taken through it are held until the transaction
// commits or rolls back.
type TxStore interface {
	// GetOrCreateWalletForUpdate returns the user's wallet locked FOR UPDATE,
	// creating it with a zero balance on first access. Concurrent first
	// access is resolved by the unique constraint on user_id.
	GetOrCreateWalletForUpdate(ctx context.Context, userID int64) (*models.Wallet, error)

	// UpdateWalletBalance sets the wallet balance. Callers must hold the row
	// lock from GetOrCreateWalletForUpdate.
	UpdateWalletBalance(ctx context.Context, walletID, balanceMinor int64) error

	// InsertTransaction appends an immutable ledger entry.
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id            BIGSERIAL PRIMARY KEY,
		user_id       BIGINT NOT NULL UNIQUE,
		balance_minor BIGINT NOT NULL DEFAULT 0 CHECK (balance_minor >= 0),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id                  UUID PRIMARY KEY,
		wallet_id           BIGINT REFERENCES wallets(id),
		amount_minor        BIGINT NOT NULL,
		type                TEXT NOT NULL,
		status              TEXT NOT NULL,
		description         TEXT NOT NULL DEFAULT '',
		order_id            BIGINT,
		external_payment_id TEXT,
		payment_method      TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_wallet_created
		ON transactions (wallet_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		id            UUID PRIMARY KEY,
		scope         TEXT NOT NULL,
		user_id       BIGINT NOT NULL,
		key           TEXT NOT NULL,
		request_hash  TEXT NOT NULL,
		status        TEXT NOT NULL,
		response_code INT,
		response_body BYTEA,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (scope, user_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_keys (expires_at);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction. Rollback on error or panic,
// commit otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx TxStore) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			util.GetLogger().Error("Failed to roll back transaction", zap.Error(rbErr))
		}
	}()

	if err := fn(&walletTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// GetWalletByUserID retrieves a wallet without locking it.
func (s *Store) GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.GetContext(ctx, &wallet, "SELECT * FROM wallets WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// ListTransactions returns a page of ledger entries for a wallet, newest first.
func (s *Store) ListTransactions(ctx context.Context, walletID int64, page, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.SelectContext(ctx, &txs,
		"SELECT * FROM transactions WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		walletID, limit, (page-1)*limit)
	return txs, err
}

// walletTx implements TxStore on top of a sqlx transaction.
type walletTx struct {
	tx *sqlx.Tx
}

func (w *walletTx) GetOrCreateWalletForUpdate(ctx context.Context, userID int64) (*models.Wallet, error) {
	// The insert is a no-op when the wallet already exists; the following
	// select then locks whichever row won.
	_, err := w.tx.ExecContext(ctx,
		"INSERT INTO wallets (user_id, balance_minor) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	var wallet models.Wallet
	err = w.tx.GetContext(ctx, &wallet,
		"SELECT * FROM wallets WHERE user_id = $1 FOR UPDATE", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &wallet, nil
}

func (w *walletTx) UpdateWalletBalance(ctx context.Context, walletID, balanceMinor int64) error {
	_, err := w.tx.ExecContext(ctx,
		"UPDATE wallets SET balance_minor = $1, updated_at = NOW() WHERE id = $2",
		balanceMinor, walletID)
	return err
}

func (w *walletTx) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, wallet_id, amount_minor, type, status, description, order_id, external_payment_id, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	return w.tx.GetContext(ctx, &t.CreatedAt, query,
		t.ID, t.WalletID, t.AmountMinor, t.Type, t.Status, t.Description,
		t.OrderID, t.ExternalPaymentID, t.PaymentMethod)
}
