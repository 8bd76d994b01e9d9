package clickhouse

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	coreerrors "github.com/aevon-lab/usage-engine/internal/core/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newMaterializedStore(t *testing.T, filters aggregation.Filters) (*MaterializedStore, sqlmock.Sqlmock) {
	t.Helper()
	adapter, mock := newTestAdapter(t, false)
	return NewMaterializedStore(adapter, newTestBase(t, filters)), mock
}

func TestMaterializedStore_MergesStates(t *testing.T) {
	store, mock := newMaterializedStore(t, aggregation.Filters{ChargeID: "charge_1"})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT toInt64(countMerge(count_state)) FROM events_aggregated")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), count)

	mock.ExpectQuery(regexp.QuoteMeta("sumMerge(sum_state)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("42.5"))
	sum, err := store.Sum(ctx)
	require.NoError(t, err)
	require.Equal(t, "42.5", sum.String())

	mock.ExpectQuery(regexp.QuoteMeta("if(countMerge(numeric_count_state) = 0, NULL, toString(maxMerge(max_state)))")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	max, err := store.Max(ctx)
	require.NoError(t, err)
	require.False(t, max.Valid)

	require.NoError(t, mock.ExpectationsWereMet())
}

// Non-numeric events only land in count_state, so max is gated on the numeric count.
func TestMaterializedStore_MaxIgnoresNonNumericEvents(t *testing.T) {
	store, mock := newMaterializedStore(t, aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "amount"})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("countMerge(numeric_count_state)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("-5.000000000000000"))
	max, err := store.Max(ctx)
	require.NoError(t, err)
	require.True(t, max.Valid)
	require.True(t, decimal.NewFromInt(-5).Equal(max.Decimal))

	mock.ExpectQuery(regexp.QuoteMeta("countMerge(numeric_count_state)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	max, err = store.Max(ctx)
	require.NoError(t, err)
	require.False(t, max.Valid)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterializedStore_CountHonoursNumericProperty(t *testing.T) {
	tests := []struct {
		name    string
		filters aggregation.Filters
		state   string
	}{
		{"all events", aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "amount"}, "countMerge(count_state)"},
		{"numeric only", aggregation.Filters{ChargeID: "charge_1", AggregationProperty: "amount", NumericProperty: true}, "countMerge(numeric_count_state)"},
		{"numeric without property", aggregation.Filters{ChargeID: "charge_1", NumericProperty: true}, "countMerge(count_state)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMaterializedStore(t, tt.filters)

			mock.ExpectQuery(regexp.QuoteMeta("SELECT toInt64(" + tt.state + ") FROM events_aggregated")).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
			count, err := store.Count(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(3), count)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMaterializedStore_Scope(t *testing.T) {
	store, _ := newMaterializedStore(t, aggregation.Filters{ChargeID: "charge_1", ChargeFilterID: "cf_1"})

	sb := store.scoped()
	sb.Select("1")
	query, args := sb.Build()
	require.Contains(t, query, "started_at >= toStartOfMinute(toDateTime64(?, 3, 'UTC'))")
	require.Contains(t, args, "charge_1")
	require.Contains(t, args, "cf_1")
	require.Contains(t, args, "sub_internal")
}

// Weighted sum on the current-usage engine must fail loudly instead of reporting
// zero usage.
func TestMaterializedStore_CapabilityGaps(t *testing.T) {
	store, mock := newMaterializedStore(t, aggregation.Filters{ChargeID: "charge_1", GroupedBy: []string{"region"}})
	ctx := context.Background()

	value, err := store.WeightedSum(ctx, decimal.Zero)
	require.ErrorIs(t, err, coreerrors.ErrUnsupportedOperation)
	require.True(t, value.IsZero())

	_, err = store.GroupedCount(ctx)
	require.ErrorIs(t, err, coreerrors.ErrUnsupportedOperation)
	_, err = store.GroupedWeightedSum(ctx, nil)
	require.ErrorIs(t, err, coreerrors.ErrUnsupportedOperation)
	_, err = store.UniqueCount(ctx)
	require.ErrorIs(t, err, coreerrors.ErrUnsupportedOperation)

	for _, op := range aggregation.AllOperations {
		want := op == aggregation.OpCount || op == aggregation.OpMax || op == aggregation.OpSum
		require.Equal(t, want, store.Supports(op), op)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
