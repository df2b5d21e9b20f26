package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"triclip/internal/models"
	"triclip/internal/storage"
)

// PostgresLedgerStore persists the token ledger and applied purchase events in
// Postgres, letting multiple API replicas share balance state. Event identity
// is enforced by the primary key on purchase_events, so concurrent deliveries
// of the same event across replicas still apply exactly once.
type PostgresLedgerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerStore opens a ledger store using the provided DSN.
func NewPostgresLedgerStore(dsn string) (*PostgresLedgerStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres ledger dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres ledger config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger pool: %w", err)
	}
	return &PostgresLedgerStore{pool: pool}, nil
}

// EnsureSchema creates the ledger tables when absent.
func (s *PostgresLedgerStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres ledger pool not configured")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS purchase_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    delta_tokens BIGINT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS token_ledger (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    delta BIGINT NOT NULL,
    balance BIGINT NOT NULL,
    source_id TEXT,
    reason TEXT,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_ledger_user_idx ON token_ledger (user_id, created_at);
`)
	return err
}

// Close releases the Postgres connection pool resources.
func (s *PostgresLedgerStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping reports datastore availability for health checks.
func (s *PostgresLedgerStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres ledger pool not configured")
	}
	return s.pool.Ping(ctx)
}

// ApplyPurchaseEvent inserts the event and its ledger entry in one
// transaction. The bool reports whether this call applied the event; a
// conflict on event_id means a duplicate and returns the stored event.
func (s *PostgresLedgerStore) ApplyPurchaseEvent(event models.PurchaseEvent) (models.PurchaseEvent, bool, error) {
	if s.pool == nil {
		return models.PurchaseEvent{}, false, fmt.Errorf("postgres ledger pool not configured")
	}
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.PurchaseEvent{}, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.UserID); err != nil {
		return models.PurchaseEvent{}, false, err
	}

	now := time.Now().UTC()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	tag, err := tx.Exec(ctx, `
INSERT INTO purchase_events (event_id, event_type, user_id, delta_tokens, received_at, applied_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING
`, event.EventID, string(event.Type), event.UserID, event.DeltaTokens, event.ReceivedAt, now)
	if err != nil {
		return models.PurchaseEvent{}, false, err
	}
	if tag.RowsAffected() == 0 {
		stored, ok, err := s.getEventTx(ctx, tx, event.EventID)
		if err != nil {
			return models.PurchaseEvent{}, false, err
		}
		if !ok {
			return models.PurchaseEvent{}, false, fmt.Errorf("purchase event %s conflicted but is missing", event.EventID)
		}
		if err := tx.Commit(ctx); err != nil {
			return models.PurchaseEvent{}, false, err
		}
		return stored, false, nil
	}

	if event.DeltaTokens != 0 {
		id, err := generateID()
		if err != nil {
			return models.PurchaseEvent{}, false, err
		}
		var balance int64
		if err := tx.QueryRow(ctx, `
SELECT COALESCE(SUM(delta), 0) FROM token_ledger WHERE user_id = $1
`, event.UserID).Scan(&balance); err != nil {
			return models.PurchaseEvent{}, false, err
		}
		balance += event.DeltaTokens
		if _, err := tx.Exec(ctx, `
INSERT INTO token_ledger (id, user_id, delta, balance, source_id, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, id, event.UserID, event.DeltaTokens, balance, event.EventID, string(event.Type), now); err != nil {
			return models.PurchaseEvent{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.PurchaseEvent{}, false, err
	}
	applied := now
	event.AppliedAt = &applied
	return event, true, nil
}

// SpendTokens debits the user's balance, rejecting the debit when the balance
// would go negative.
func (s *PostgresLedgerStore) SpendTokens(userID string, amount int64, reason string) (models.TokenLedgerEntry, error) {
	if s.pool == nil {
		return models.TokenLedgerEntry{}, fmt.Errorf("postgres ledger pool not configured")
	}
	if amount <= 0 {
		return models.TokenLedgerEntry{}, fmt.Errorf("amount must be positive")
	}
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.TokenLedgerEntry{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return models.TokenLedgerEntry{}, err
	}
	var balance int64
	if err := tx.QueryRow(ctx, `
SELECT COALESCE(SUM(delta), 0) FROM token_ledger WHERE user_id = $1
`, userID).Scan(&balance); err != nil {
		return models.TokenLedgerEntry{}, err
	}
	if balance < amount {
		return models.TokenLedgerEntry{}, storage.ErrInsufficientBalance
	}
	id, err := generateID()
	if err != nil {
		return models.TokenLedgerEntry{}, err
	}
	entry := models.TokenLedgerEntry{
		ID:        id,
		UserID:    userID,
		Delta:     -amount,
		Balance:   balance - amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO token_ledger (id, user_id, delta, balance, source_id, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, entry.ID, entry.UserID, entry.Delta, entry.Balance, "", entry.Reason, entry.CreatedAt); err != nil {
		return models.TokenLedgerEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TokenLedgerEntry{}, err
	}
	return entry, nil
}

// Balance returns the user's current token balance.
func (s *PostgresLedgerStore) Balance(userID string) int64 {
	if s.pool == nil {
		return 0
	}
	var balance int64
	err := s.pool.QueryRow(context.Background(), `
SELECT COALESCE(SUM(delta), 0) FROM token_ledger WHERE user_id = $1
`, userID).Scan(&balance)
	if err != nil {
		return 0
	}
	return balance
}

// ListLedgerEntries returns the user's ledger in append order.
func (s *PostgresLedgerStore) ListLedgerEntries(userID string) []models.TokenLedgerEntry {
	if s.pool == nil {
		return nil
	}
	rows, err := s.pool.Query(context.Background(), `
SELECT id, user_id, delta, balance, source_id, reason, created_at
FROM token_ledger
WHERE user_id = $1
ORDER BY created_at, id
`, userID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var entries []models.TokenLedgerEntry
	for rows.Next() {
		var entry models.TokenLedgerEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Delta, &entry.Balance, &entry.SourceID, &entry.Reason, &entry.CreatedAt); err != nil {
			return entries
		}
		entries = append(entries, entry)
	}
	return entries
}

// GetPurchaseEvent returns a processed event by id.
func (s *PostgresLedgerStore) GetPurchaseEvent(eventID string) (models.PurchaseEvent, bool) {
	if s.pool == nil {
		return models.PurchaseEvent{}, false
	}
	event, ok, err := s.getEvent(context.Background(), eventID)
	if err != nil {
		return models.PurchaseEvent{}, false
	}
	return event, ok
}

func (s *PostgresLedgerStore) getEvent(ctx context.Context, eventID string) (models.PurchaseEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT event_id, event_type, user_id, delta_tokens, received_at, applied_at
FROM purchase_events
WHERE event_id = $1
`, eventID)
	return scanEvent(row)
}

func (s *PostgresLedgerStore) getEventTx(ctx context.Context, tx pgx.Tx, eventID string) (models.PurchaseEvent, bool, error) {
	row := tx.QueryRow(ctx, `
SELECT event_id, event_type, user_id, delta_tokens, received_at, applied_at
FROM purchase_events
WHERE event_id = $1
`, eventID)
	return scanEvent(row)
}

func scanEvent(row pgx.Row) (models.PurchaseEvent, bool, error) {
	var event models.PurchaseEvent
	var eventType string
	var appliedAt time.Time
	if err := row.Scan(&event.EventID, &eventType, &event.UserID, &event.DeltaTokens, &event.ReceivedAt, &appliedAt); err != nil {
		if isNoRows(err) {
			return models.PurchaseEvent{}, false, nil
		}
		return models.PurchaseEvent{}, false, err
	}
	event.Type = models.PurchaseEventType(eventType)
	event.AppliedAt = &appliedAt
	return event, true, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ LedgerStore = (*PostgresLedgerStore)(nil)
