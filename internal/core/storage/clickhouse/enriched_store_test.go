package clickhouse

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	coreerrors "github.com/aevon-lab/usage-engine/internal/core/errors"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testSubscription() aggregation.Subscription {
	return aggregation.Subscription{
		ID:           "sub_internal",
		ExternalID:   "sub_123",
		Organization: aggregation.Organization{ID: "org_1"},
		Customer:     aggregation.Customer{ID: "cus_1", Timezone: "UTC"},
	}
}

func marchBoundaries() aggregation.Boundaries {
	return aggregation.Boundaries{
		FromDatetime:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ToDatetime:      time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC),
		ChargesDuration: 31,
	}
}

func strPtr(s string) *string { return &s }

func newTestAdapter(t *testing.T, trusted bool) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	policy := storage.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return NewAdapterFromDB(db, Options{DeduplicationTrusted: trusted}, policy), mock
}

func newTestBase(t *testing.T, filters aggregation.Filters) *aggregation.Base {
	t.Helper()
	base, err := aggregation.NewBase(testSubscription(), marchBoundaries(), "api_calls", filters, nil)
	require.NoError(t, err)
	return base
}

func newEnrichedStore(t *testing.T, filters aggregation.Filters) (*EnrichedStore, sqlmock.Sqlmock) {
	t.Helper()
	adapter, mock := newTestAdapter(t, false)
	return NewEnrichedStore(adapter, newTestBase(t, filters)), mock
}

func enrichedFilters() aggregation.Filters {
	return aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "amount"}
}

func TestEnrichedStore_DedupStage(t *testing.T) {
	store, _ := newEnrichedStore(t, enrichedFilters())

	query, args := store.dedup(false).Build()
	require.Contains(t, query, "argMax(properties, enriched_at) AS properties")
	require.Contains(t, query, "argMax(decimal_value, enriched_at) AS decimal_value")
	require.Contains(t, query, "max(enriched_at) AS last_enriched_at")
	require.Contains(t, query, "FROM events_enriched_expanded")
	require.Contains(t, query, "GROUP BY charge_id, charge_filter_id, subscription_id, organization_id, timestamp, transaction_id")
	require.Contains(t, query, "timestamp <= toDateTime64(?, 3, 'UTC') AND timestamp >= toDateTime64(?, 3, 'UTC') GROUP BY")
	require.Equal(t, []interface{}{"org_1", "sub_internal", "api_calls", "charge_1", "2026-03-31 23:59:59.000", "2026-03-01 00:00:00.000"}, args)

	adapter, _ := newTestAdapter(t, true)
	trusted := NewEnrichedStore(adapter, newTestBase(t, enrichedFilters()))
	query, _ = trusted.dedup(false).Build()
	require.NotContains(t, query, "argMax")
	require.NotContains(t, query, "GROUP BY")
	require.Contains(t, query, "enriched_at AS last_enriched_at")
}

func TestEnrichedStore_DedupStageFromBoundary(t *testing.T) {
	filters := enrichedFilters()
	filters.IgnoreFromBoundary = true
	store, _ := newEnrichedStore(t, filters)

	query, args := store.dedup(false).Build()
	require.Contains(t, query, "timestamp <= toDateTime64(?, 3, 'UTC')")
	require.NotContains(t, query, "timestamp >=")
	require.NotContains(t, args, "2026-03-01 00:00:00.000")

	query, args = store.dedup(true).Build()
	require.Contains(t, query, "timestamp >= toDateTime64(?, 3, 'UTC')")
	require.Contains(t, args, "2026-03-01 00:00:00.000")
}

func TestEnrichedStore_CountHonoursNumericProperty(t *testing.T) {
	filters := enrichedFilters()
	filters.NumericProperty = true
	filters.GroupedBy = []string{"region"}
	store, mock := newEnrichedStore(t, filters)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT toInt64\(count\(\)\) FROM .* AS events WHERE .*events\.decimal_value IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	mock.ExpectQuery(`events\.decimal_value IS NOT NULL GROUP BY g_0`).
		WillReturnRows(sqlmock.NewRows([]string{"g_0", "count"}).AddRow("eu", "1"))
	values, err := store.GroupedCount(ctx)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.True(t, decimal.NewFromInt(1).Equal(values[0].Value))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_CountWithoutNumericPropertyCountsAll(t *testing.T) {
	store, _ := newEnrichedStore(t, enrichedFilters())

	sb := store.scoped(store.countScope())
	sb.Select("count()")
	query, _ := sb.Build()
	require.NotContains(t, query, "decimal_value IS NOT NULL")
}

func TestEnrichedStore_AggregationStage(t *testing.T) {
	filters := enrichedFilters()
	filters.ChargeFilterID = "cf_1"
	filters.GroupedByValues = aggregation.GroupValues{"region": strPtr("eu"), "cloud": nil}
	store, _ := newEnrichedStore(t, filters)

	sb := store.scoped(enrichedScope{numeric: true})
	sb.Select("count()")
	query, args := sb.Build()

	require.Contains(t, query, ") AS events WHERE events.charge_filter_id = ?")
	require.NotContains(t, query, "events.timestamp <=")
	require.Contains(t, query, "events.decimal_value IS NOT NULL")
	require.Contains(t, query, "events.grouped_by = map(?, ?, ?, ?)")

	// Keys are sorted and the nil value is normalized before comparison.
	tail := args[len(args)-4:]
	require.Equal(t, []interface{}{"cloud", "", "region", "eu"}, tail)
	require.Contains(t, args, "2026-03-01 00:00:00.000")
	require.Contains(t, args, "2026-03-31 23:59:59.000")
	require.Contains(t, args, "cf_1")
}

func TestEnrichedStore_Sum(t *testing.T) {
	store, mock := newEnrichedStore(t, enrichedFilters())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT toString(sum(events.decimal_value)) FROM (SELECT")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("1.000000000000000"))

	sum, err := store.Sum(context.Background())
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(1).Equal(sum))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_CountAndMax(t *testing.T) {
	store, mock := newEnrichedStore(t, enrichedFilters())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT toInt64(count())")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), count)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT toString(max(events.decimal_value))")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	max, err := store.Max(context.Background())
	require.NoError(t, err)
	require.False(t, max.Valid)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_GroupedSum(t *testing.T) {
	filters := enrichedFilters()
	filters.GroupedBy = []string{"region"}
	store, mock := newEnrichedStore(t, filters)

	mock.ExpectQuery(regexp.QuoteMeta("events.grouped_by[?] AS g_0")).
		WillReturnRows(sqlmock.NewRows([]string{"g_0", "sum"}).
			AddRow("", "2").
			AddRow("eu", "5"))

	values, err := store.GroupedSum(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.Nil(t, values[0].Groups["region"])
	require.Equal(t, "eu", *values[1].Groups["region"])
	require.True(t, decimal.NewFromInt(5).Equal(values[1].Value))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_GroupedProratedSum(t *testing.T) {
	filters := enrichedFilters()
	filters.GroupedBy = []string{"region"}
	store, mock := newEnrichedStore(t, filters)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY g_0")).
		WillReturnRows(sqlmock.NewRows([]string{"g_0", "sum"}).AddRow("eu", "10"))

	persisted := int64(5)
	values, err := store.GroupedProratedSum(context.Background(), 10, &persisted)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.True(t, decimal.NewFromInt(5).Equal(values[0].Value), values[0].Value.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_SumDateBreakdown(t *testing.T) {
	store, mock := newEnrichedStore(t, enrichedFilters())

	mock.ExpectQuery(regexp.QuoteMeta("toDate(events.timestamp, ?) AS day")).
		WillReturnRows(sqlmock.NewRows([]string{"day", "sum"}).
			AddRow(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), "3"))

	days, err := store.SumDateBreakdown(context.Background())
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Equal(t, 2, days[0].Date.Day())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_UniqueCountQueries(t *testing.T) {
	filters := aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "seat_id", GroupedBy: []string{"region"}}
	store, _ := newEnrichedStore(t, filters)
	q := newUniqueCountQuery(store)

	query, args := q.Query()
	require.Contains(t, query, "lagInFrame(operation_type, 1) OVER (PARTITION BY property ORDER BY ts ASC ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING)")
	require.Contains(t, query, "mapContains(events.properties, ?)")
	require.NotContains(t, query, "g_0")
	require.Contains(t, args, "seat_id")
	require.Contains(t, args, aggregation.OperationTypeRemove)

	query, _ = q.GroupedQuery()
	require.Contains(t, query, "PARTITION BY g_0, property")
	require.Contains(t, query, "GROUP BY g_0")

	query, args = q.ProratedDaysQuery()
	require.Contains(t, query, "leadInFrame(ts, 1)")
	require.Contains(t, query, "dateDiff('day'")
	require.Contains(t, query, "adjusted_value != 0")
	require.Contains(t, args, "UTC")
}

func TestEnrichedStore_ProratedUniqueCount(t *testing.T) {
	store, mock := newEnrichedStore(t, aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "seat_id"})

	// One value active the whole month and another for half of it.
	mock.ExpectQuery(regexp.QuoteMeta("toString(sum(active_days))")).
		WillReturnRows(sqlmock.NewRows([]string{"days"}).AddRow("46.5"))

	value, err := store.ProratedUniqueCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.5", value.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_ProratedUniqueCountBreakdown(t *testing.T) {
	store, mock := newEnrichedStore(t, aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "seat_id"})

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("toString(active_days)")).
		WillReturnRows(sqlmock.NewRows([]string{"property", "operation_type", "ts", "days"}).
			AddRow("seat_1", "add", ts, "31").
			AddRow("seat_1", "remove", ts.Add(24*time.Hour), "0"))

	rows, err := store.ProratedUniqueCountBreakdown(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, decimal.NewFromInt(1).Equal(rows[0].Value))
	require.True(t, rows[1].Value.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_WeightedSum(t *testing.T) {
	store, mock := newEnrichedStore(t, enrichedFilters())

	q := newWeightedSumQuery(store)
	query, args := q.Query(decimal.NewFromInt(2))
	require.Contains(t, query, "UNION ALL")
	require.Contains(t, query, "toUnixTimestamp64Milli")
	require.NotContains(t, query, "${")
	require.Contains(t, args, "2")
	require.Contains(t, args, "2026-03-31 23:59:59.000")

	// A level of 2 held for the whole period.
	period := q.periodMillis()
	mock.ExpectQuery(regexp.QuoteMeta("sum(level * interval_ms)")).
		WillReturnRows(sqlmock.NewRows([]string{"area"}).AddRow(decimal.NewFromInt(2 * period).String()))

	value, err := store.WeightedSum(context.Background(), decimal.NewFromInt(2))
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(2).Equal(value), value.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_GroupedWeightedSumIsUnsupported(t *testing.T) {
	store, mock := newEnrichedStore(t, enrichedFilters())

	require.False(t, store.Supports(aggregation.OpGroupedWeightedSum))
	_, err := store.GroupedWeightedSum(context.Background(), nil)
	require.ErrorIs(t, err, coreerrors.ErrUnsupportedOperation)

	var unsupported *coreerrors.UnsupportedOperationError
	require.True(t, errors.As(err, &unsupported))
	require.Equal(t, "clickhouse_enriched", unsupported.Engine)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedStore_LastEvent(t *testing.T) {
	store, mock := newEnrichedStore(t, enrichedFilters())

	ts := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("toJSONString(events.properties)")).
		WillReturnRows(sqlmock.NewRows([]string{
			"transaction_id", "timestamp", "properties", "value", "decimal_value", "precise_total_amount_cents", "last_enriched_at",
		}).AddRow("tx_1", ts, `{"amount":"7"}`, "7", "7", nil, ts.Add(time.Minute)))

	evt, err := store.LastEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tx_1", evt.TransactionID)
	require.Equal(t, "7", evt.Properties["amount"])
	require.Equal(t, "7", *evt.Value)
	require.True(t, evt.DecimalValue.Valid)
	require.Equal(t, "sub_internal", evt.SubscriptionID)
	require.True(t, ts.Add(time.Minute).Equal(evt.EnrichedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}
