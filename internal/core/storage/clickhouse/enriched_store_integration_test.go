//go:build integration

package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/aevon-lab/usage-engine/internal/migrations"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

// newIntegrationAdapter starts a fresh ClickHouse container with the columnar schema.
func newIntegrationAdapter(t *testing.T) *Adapter {
	t.Helper()
	ctx := context.Background()

	container, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3-alpine",
		tcclickhouse.WithDatabase("meterd_test"),
		tcclickhouse.WithUsername("meterd"),
		tcclickhouse.WithPassword("meterd"),
	)
	require.NoError(t, err, "failed to start clickhouse container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	adapter, err := NewAdapter(dsn, Options{MaxOpenConns: 5, MaxIdleConns: 5}, storage.DefaultRetryPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	require.NoError(t, migrations.RunClickHouse(adapter.DB(), true))
	return adapter
}

type enrichedRow struct {
	sub        string
	txn        string
	ts         time.Time
	value      string
	enrichedAt time.Time
}

// insertEnriched writes rows for org_1, api_calls and charge_1. Values that do not
// parse as decimals are stored with a NULL decimal_value.
func insertEnriched(t *testing.T, adapter *Adapter, rows ...enrichedRow) {
	t.Helper()
	for _, r := range rows {
		var numeric interface{}
		if _, err := decimal.NewFromString(r.value); err == nil {
			numeric = r.value
		}

		_, err := adapter.DB().Exec(`
			INSERT INTO events_enriched_expanded
				(organization_id, external_subscription_id, subscription_id, transaction_id, code, charge_id,
				 timestamp, properties, value, decimal_value, grouped_by, enriched_at)
			VALUES
				('org_1', ?, ?, ?, 'api_calls', 'charge_1',
				 toDateTime64(?, 3, 'UTC'), map('amount', ?), ?, CAST(? AS Nullable(Decimal(38, 15))), map(),
				 toDateTime64(?, 3, 'UTC'))`,
			"ext_"+r.sub, r.sub, r.txn,
			formatDateTime(r.ts), r.value, r.value, numeric,
			formatDateTime(r.enrichedAt),
		)
		require.NoError(t, err)
	}
}

func integrationBase(t *testing.T, sub string) *aggregation.Base {
	t.Helper()
	subscription := aggregation.Subscription{
		ID:           sub,
		ExternalID:   "ext_" + sub,
		Organization: aggregation.Organization{ID: "org_1"},
		Customer:     aggregation.Customer{ID: "cus_1", Timezone: "UTC"},
	}
	filters := aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "amount"}
	base, err := aggregation.NewBase(subscription, marchBoundaries(), "api_calls", filters, nil)
	require.NoError(t, err)
	return base
}

func march(day, hour int) time.Time {
	return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
}

func TestColumnarIntegration(t *testing.T) {
	adapter := newIntegrationAdapter(t)
	ctx := context.Background()

	enrichedOnce := march(2, 10).Add(time.Minute)
	enrichedAgain := march(2, 12)

	insertEnriched(t, adapter,
		enrichedRow{"sub_dedup", "t1", march(2, 10), "5", enrichedOnce},
		enrichedRow{"sub_dedup", "t1", march(2, 10), "7", enrichedAgain},
		enrichedRow{"sub_dedup", "t2", march(3, 10), "3", enrichedOnce},

		enrichedRow{"sub_mixed", "m1", march(4, 10), "-5", enrichedOnce},
		enrichedRow{"sub_mixed", "m2", march(4, 10), "n/a", enrichedOnce},

		enrichedRow{"sub_text", "x1", march(5, 10), "n/a", enrichedOnce},
	)

	t.Run("enriched sum keeps the latest enrichment once", func(t *testing.T) {
		store := NewEnrichedStore(adapter, integrationBase(t, "sub_dedup"))

		sum, err := store.Sum(ctx)
		require.NoError(t, err)
		require.True(t, decimal.NewFromInt(10).Equal(sum), sum.String())

		count, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), count)
	})

	t.Run("materialized sum counts every delivery", func(t *testing.T) {
		store := NewMaterializedStore(adapter, integrationBase(t, "sub_dedup"))

		sum, err := store.Sum(ctx)
		require.NoError(t, err)
		require.True(t, decimal.NewFromInt(15).Equal(sum), sum.String())
	})

	t.Run("max skips non numeric events", func(t *testing.T) {
		for name, store := range map[string]aggregation.Store{
			"enriched":     NewEnrichedStore(adapter, integrationBase(t, "sub_mixed")),
			"materialized": NewMaterializedStore(adapter, integrationBase(t, "sub_mixed")),
		} {
			max, err := store.Max(ctx)
			require.NoError(t, err, name)
			require.True(t, max.Valid, name)
			require.True(t, decimal.NewFromInt(-5).Equal(max.Decimal), "%s: %s", name, max.Decimal)
		}
	})

	t.Run("max without numeric events is null", func(t *testing.T) {
		for name, store := range map[string]aggregation.Store{
			"enriched":     NewEnrichedStore(adapter, integrationBase(t, "sub_text")),
			"materialized": NewMaterializedStore(adapter, integrationBase(t, "sub_text")),
		} {
			max, err := store.Max(ctx)
			require.NoError(t, err, name)
			require.False(t, max.Valid, name)
		}

		count, err := NewMaterializedStore(adapter, integrationBase(t, "sub_text")).Count(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})
}
