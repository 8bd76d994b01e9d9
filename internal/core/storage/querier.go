package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	coreerrors "github.com/aevon-lab/usage-engine/internal/core/errors"
	"github.com/cenkalti/backoff/v4"
)

// RowScanner is the subset of *sql.Rows handed to row decoders.
type RowScanner interface {
	Scan(dest ...interface{}) error
}

// Querier runs read queries against one backing store and retries transient failures.
// It is safe for concurrent use; engines share one Querier per store.
type Querier struct {
	db         *sql.DB
	name       string
	policy     RetryPolicy
	classify   Classifier
	decorateFn func(context.Context) context.Context
}

// QuerierOption customises a Querier.
type QuerierOption func(*Querier)

// WithClassifier adds a driver-specific transient error classifier.
func WithClassifier(c Classifier) QuerierOption {
	return func(q *Querier) { q.classify = c }
}

// WithContextDecorator lets a driver attach per-query settings (e.g. a query ID).
func WithContextDecorator(fn func(context.Context) context.Context) QuerierOption {
	return func(q *Querier) { q.decorateFn = fn }
}

// NewQuerier wraps db. name labels logs ("postgres", "clickhouse").
func NewQuerier(db *sql.DB, name string, policy RetryPolicy, opts ...QuerierOption) *Querier {
	q := &Querier{
		db:     db,
		name:   name,
		policy: policy.normalized(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DB returns the underlying handle.
func (q *Querier) DB() *sql.DB {
	return q.db
}

// IsTransient combines connectivity errors with the driver classifier.
func (q *Querier) IsTransient(err error) bool {
	if IsConnectivityError(err) {
		return true
	}
	return q.classify != nil && q.classify(err)
}

// QueryAll runs query and decodes every row with scanRow. Rows are collected fresh on
// each attempt so a retry never returns a partially decoded result.
func QueryAll[T any](
	ctx context.Context,
	q *Querier,
	query string,
	args []interface{},
	scanRow func(RowScanner) (T, error),
) ([]T, error) {
	var results []T

	err := q.retry(ctx, func(attemptCtx context.Context) error {
		rows, err := q.db.QueryContext(attemptCtx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		collected := make([]T, 0)
		for rows.Next() {
			item, scanErr := scanRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan row: %w", scanErr)
			}
			collected = append(collected, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		results = collected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// QueryOne runs an aggregate query expected to produce exactly one row.
func QueryOne[T any](
	ctx context.Context,
	q *Querier,
	query string,
	args []interface{},
	scanRow func(RowScanner) (T, error),
) (T, error) {
	var zero T

	rows, err := QueryAll(ctx, q, query, args, scanRow)
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, fmt.Errorf("%s: aggregate query returned no rows", q.name)
	}
	return rows[0], nil
}

func (q *Querier) retry(ctx context.Context, op func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.policy.InitialInterval
	exp.MaxInterval = q.policy.MaxInterval
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(q.policy.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		attemptCtx := ctx
		if q.decorateFn != nil {
			attemptCtx = q.decorateFn(ctx)
		}

		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if !q.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("[Querier] Transient failure, retrying",
			"store", q.name,
			"attempt", attempts,
			"max_attempts", q.policy.MaxAttempts,
			"backoff", wait,
			"error", err)
	})
	if err == nil {
		return nil
	}

	if q.IsTransient(err) {
		return &coreerrors.TransientError{Attempts: attempts, Err: fmt.Errorf("%s: %w", q.name, err)}
	}
	return fmt.Errorf("%s: %w", q.name, err)
}
