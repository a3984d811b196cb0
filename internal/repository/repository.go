package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/packetmeter/internal/apperr"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// maxTxAttempts bounds retries of a transaction that lost a unique-key or
// serialization race.
const maxTxAttempts = 4

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// inTx runs fn in a transaction. Transactions that fail on a storage
// conflict are rolled back and run again; the conflict never reaches the
// caller unless every attempt loses.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	attempt := func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to begin transaction: %w", err))
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if isConflict(err) {
				return fmt.Errorf("%w: %w", apperr.ErrStorageConflict, err)
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isConflict(err) {
				return fmt.Errorf("%w: %w", apperr.ErrStorageConflict, err)
			}
			return backoff.Permanent(fmt.Errorf("failed to commit transaction: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, maxTxAttempts-1), ctx))
}

// isConflict matches unique violations, serialization failures and deadlocks.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return true
	}
	return false
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("failed to query %s: %w", what, err)
}
