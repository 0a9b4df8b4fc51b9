// Package postgres provides a PostgreSQL implementation of the
// subscription.Store and subscription.Ledger interfaces. Mutations are single
// keyed statements (INSERT ... ON CONFLICT upserts and keyed UPDATEs), so
// concurrent and redelivered webhook events are serialized per row by the
// database without application-level locking.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Store implements subscription.Store and subscription.Ledger using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist. The partial unique index
// on subscription_id enforces the invariant that a non-empty subscription id
// identifies at most one record.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id         TEXT PRIMARY KEY,
			customer_id     TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'none',
			period_end      TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_subscription_id_key
			ON subscriptions (subscription_id) WHERE subscription_id <> ''`,
		`CREATE TABLE IF NOT EXISTS payment_ledger (
			id              UUID PRIMARY KEY,
			invoice_id      TEXT NOT NULL UNIQUE,
			user_id         TEXT NOT NULL DEFAULT '',
			customer_id     TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			amount_cents    BIGINT NOT NULL DEFAULT 0,
			currency        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// FindByUserID implements subscription.Store
func (s *Store) FindByUserID(ctx context.Context, userID string) (*subscription.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, customer_id, subscription_id, status, period_end, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID)
	return scanRecord(row)
}

// FindBySubscriptionID implements subscription.Store. The unique index makes
// duplicates impossible to insert, but a violated invariant (e.g. a manual
// write) is still detected and surfaced rather than silently resolved.
func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	if subscriptionID == "" {
		return nil, subscription.ErrRecordNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, customer_id, subscription_id, status, period_end, updated_at
			FROM subscriptions WHERE subscription_id = $1 LIMIT 2`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query by subscription id: %w", err)
	}
	defer rows.Close()

	var records []*subscription.Record
	for rows.Next() {
		rec, scanErr := scanRecordFromRows(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	switch len(records) {
	case 0:
		return nil, subscription.ErrRecordNotFound
	case 1:
		return records[0], nil
	default:
		return nil, subscription.ErrDuplicateSubscription
	}
}

// UpsertCustomer implements subscription.Store. First-writer-wins on the
// customer id: a later upsert never overwrites a non-empty value.
func (s *Store) UpsertCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return subscription.ErrInvalidRecord
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, customer_id, status, updated_at)
			VALUES ($1, $2, 'none', now())
			ON CONFLICT (user_id) DO UPDATE SET
				customer_id = CASE
					WHEN subscriptions.customer_id = '' THEN EXCLUDED.customer_id
					ELSE subscriptions.customer_id
				END,
				updated_at = now()`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// ActivateSubscription implements subscription.Store
func (s *Store) ActivateSubscription(
	ctx context.Context, userID, customerID, subscriptionID string, periodEnd *time.Time,
) error {
	if userID == "" || subscriptionID == "" {
		return subscription.ErrInvalidRecord
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, customer_id, subscription_id, status, period_end, updated_at)
			VALUES ($1, $2, $3, 'active', $4, now())
			ON CONFLICT (user_id) DO UPDATE SET
				customer_id = CASE
					WHEN subscriptions.customer_id = '' THEN EXCLUDED.customer_id
					ELSE subscriptions.customer_id
				END,
				subscription_id = EXCLUDED.subscription_id,
				status = 'active',
				period_end = COALESCE(EXCLUDED.period_end, subscriptions.period_end),
				updated_at = now()`,
		userID, customerID, subscriptionID, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	return nil
}

// ApplyStatusBySubscriptionID implements subscription.Store
func (s *Store) ApplyStatusBySubscriptionID(
	ctx context.Context, subscriptionID string, status subscription.Status, periodEnd *time.Time,
) error {
	if subscriptionID == "" {
		return subscription.ErrRecordNotFound
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions
			SET status = $2,
				period_end = COALESCE($3, period_end),
				updated_at = now()
			WHERE subscription_id = $1`,
		subscriptionID, string(status), periodEnd)
	if err != nil {
		return fmt.Errorf("failed to apply status: %w", err)
	}

	switch tag.RowsAffected() {
	case 0:
		return subscription.ErrRecordNotFound
	case 1:
		return nil
	default:
		return subscription.ErrDuplicateSubscription
	}
}

// RecordPayment implements subscription.Ledger. ON CONFLICT DO NOTHING on the
// invoice id makes redelivered payment events insert once.
func (s *Store) RecordPayment(ctx context.Context, entry *subscription.PaymentEntry) error {
	if entry == nil || entry.InvoiceID == "" {
		return subscription.ErrInvalidRecord
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_ledger
			(id, invoice_id, user_id, customer_id, subscription_id, amount_cents, currency, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (invoice_id) DO NOTHING`,
		entry.ID, entry.InvoiceID, entry.UserID, entry.CustomerID, entry.SubscriptionID,
		entry.AmountCents, entry.Currency, entry.Status, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row pgx.Row) (*subscription.Record, error) {
	rec, err := scanRecordFromRows(row)
	if err == pgx.ErrNoRows {
		return nil, subscription.ErrRecordNotFound
	}
	return rec, err
}

func scanRecordFromRows(row rowScanner) (*subscription.Record, error) {
	var rec subscription.Record
	var periodEnd *time.Time

	err := row.Scan(
		&rec.UserID,
		&rec.CustomerID,
		&rec.SubscriptionID,
		&rec.Status,
		&periodEnd,
		&rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.PeriodEnd = periodEnd
	return &rec, nil
}
