package clickhouse

import (
	"context"
	"log/slog"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/huandu/go-sqlbuilder"
	"github.com/shopspring/decimal"
)

const (
	materializedEngineName = "clickhouse_materialized"
	materializedTable      = "events_aggregated"
)

var materializedCapabilities = aggregation.NewCapabilities(
	aggregation.OpCount,
	aggregation.OpMax,
	aggregation.OpSum,
)

// MaterializedStore serves current-usage reads from per-minute aggregate states.
// Only count, max and sum merge cleanly from those states; every other operation,
// grouped variants included, fails with a capability error.
//
// numeric_count_state, sum_state and max_state only see events with a decimal
// value, so non-numeric events never reach max or sum.
type MaterializedStore struct {
	*aggregation.Base
	aggregation.Unimplemented

	querier *storage.Querier
}

var _ aggregation.Store = (*MaterializedStore)(nil)

// NewMaterializedStore builds a request-scoped engine over the adapter's pool.
func NewMaterializedStore(adapter *Adapter, base *aggregation.Base) *MaterializedStore {
	return &MaterializedStore{
		Base:          base,
		Unimplemented: aggregation.NewUnimplemented(materializedEngineName, materializedCapabilities),
		querier:       adapter.Querier(),
	}
}

// scoped selects the minute buckets overlapping the boundaries.
func (s *MaterializedStore) scoped() *sqlbuilder.SelectBuilder {
	sub := s.Subscription()
	filters := s.Filters()

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.From(materializedTable)
	sb.Where(
		sb.Equal("organization_id", sub.Organization.ID),
		sb.Equal("subscription_id", sub.ID),
		sb.Equal("code", s.Code()),
		sb.Equal("charge_filter_id", filters.ChargeFilterID),
		"started_at <= "+timeExpr(sb, s.ApplicableToDatetime()),
	)
	if filters.ChargeID != "" {
		sb.Where(sb.Equal("charge_id", filters.ChargeID))
	}
	if !filters.IgnoreFromBoundary {
		sb.Where("started_at >= toStartOfMinute(" + timeExpr(sb, s.FromDatetime()) + ")")
	}
	if values := s.GroupedByValues(); len(values) > 0 {
		sb.Where("grouped_by = " + groupedByMap(sb, values))
	}
	return sb
}

func (s *MaterializedStore) trace(op aggregation.Operation, query string) {
	slog.Debug("[MaterializedStore] Running aggregation",
		"operation", op,
		"code", s.Code(),
		"subscription", s.Subscription().ID,
		"query", query,
	)
}

func (s *MaterializedStore) Count(ctx context.Context) (int64, error) {
	state := "count_state"
	if s.Filters().NumericProperty && s.Filters().AggregationProperty != "" {
		state = "numeric_count_state"
	}

	sb := s.scoped()
	sb.Select("toInt64(countMerge(" + state + "))")

	query, args := sb.Build()
	s.trace(aggregation.OpCount, query)
	return storage.QueryOne(ctx, s.querier, query, args, storage.ScanInt64)
}

func (s *MaterializedStore) Max(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped()
	sb.Select("if(countMerge(numeric_count_state) = 0, NULL, toString(maxMerge(max_state)))")

	query, args := sb.Build()
	s.trace(aggregation.OpMax, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return storage.NullDecimal(v)
}

func (s *MaterializedStore) Sum(ctx context.Context) (decimal.Decimal, error) {
	sb := s.scoped()
	sb.Select("toString(sumMerge(sum_state))")

	query, args := sb.Build()
	s.trace(aggregation.OpSum, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.Zero, err
	}
	return storage.DecimalOrZero(v)
}
