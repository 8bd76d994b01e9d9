package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/google/uuid"
)

const connectPingTimeout = 5 * time.Second

// Server exception codes worth retrying.
const (
	codeTimeoutExceeded = 159
	codeSocketTimeout   = 209
	codeNetworkError    = 210
)

// Adapter owns the columnar connection pool shared by every columnar engine.
type Adapter struct {
	db           *sql.DB
	querier      *storage.Querier
	dedupTrusted bool
}

// Options tunes the columnar adapter.
type Options struct {
	// DeduplicationTrusted skips the argMax dedup stage of the enriched engine when
	// the ingestion pipeline already guarantees unique rows.
	DeduplicationTrusted bool
	MaxOpenConns         int
	MaxIdleConns         int
}

// NewAdapter opens the columnar store through the database/sql interface.
//
// Example DSN: "clickhouse://default:@localhost:9000/default?dial_timeout=5s"
func NewAdapter(dsn string, opts Options, policy storage.RetryPolicy) (*Adapter, error) {
	chOptions, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse clickhouse dsn: %w", err)
	}

	db := clickhouse.OpenDB(chOptions)
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	slog.Info("[ClickHouse] Connected",
		"addr", chOptions.Addr,
		"database", chOptions.Auth.Database,
		"dedup_trusted", opts.DeduplicationTrusted)

	return NewAdapterFromDB(db, opts, policy), nil
}

// NewAdapterFromDB wraps an already opened pool.
func NewAdapterFromDB(db *sql.DB, opts Options, policy storage.RetryPolicy) *Adapter {
	return &Adapter{
		db: db,
		querier: storage.NewQuerier(db, "clickhouse", policy,
			storage.WithClassifier(IsTransient),
			storage.WithContextDecorator(withQueryID),
		),
		dedupTrusted: opts.DeduplicationTrusted,
	}
}

func (a *Adapter) DB() *sql.DB                { return a.db }
func (a *Adapter) Querier() *storage.Querier  { return a.querier }
func (a *Adapter) DeduplicationTrusted() bool { return a.dedupTrusted }

func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the pool.
func (a *Adapter) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close clickhouse: %w", err)
	}
	return nil
}

// IsTransient reports server exceptions caused by timeouts or the network.
func IsTransient(err error) bool {
	var ex *clickhouse.Exception
	if !errors.As(err, &ex) {
		return false
	}
	switch ex.Code {
	case codeTimeoutExceeded, codeSocketTimeout, codeNetworkError:
		return true
	default:
		return false
	}
}

// withQueryID tags every attempt with a fresh query id so server logs can be matched
// to engine traces.
func withQueryID(ctx context.Context) context.Context {
	id := uuid.NewString()
	slog.Debug("[ClickHouse] Query attempt", "query_id", id)
	return clickhouse.Context(ctx, clickhouse.WithQueryID(id))
}
