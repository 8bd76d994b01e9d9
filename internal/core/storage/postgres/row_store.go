package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/huandu/go-sqlbuilder"
	"github.com/shopspring/decimal"
)

// RowStore aggregates events held in the Postgres events table. It implements the
// whole aggregation contract.
type RowStore struct {
	*aggregation.Base
	aggregation.Unimplemented

	querier *storage.Querier
}

var _ aggregation.Store = (*RowStore)(nil)

// NewRowStore builds a request-scoped engine over the adapter's pool.
func NewRowStore(adapter *Adapter, base *aggregation.Base) *RowStore {
	return &RowStore{
		Base:          base,
		Unimplemented: aggregation.NewUnimplemented(engineName, aggregation.NewCapabilities(aggregation.AllOperations...)),
		querier:       adapter.Querier(),
	}
}

func (s *RowStore) trace(op aggregation.Operation, query string) {
	slog.Debug("[RowStore] Running aggregation",
		"operation", op,
		"code", s.Code(),
		"subscription", s.Subscription().ExternalID,
		"query", query,
	)
}

func (s *RowStore) numericScope() scope {
	return scope{numeric: true}
}

func (s *RowStore) Count(ctx context.Context) (int64, error) {
	sb := s.scoped(scope{numeric: s.Filters().NumericProperty && s.Filters().AggregationProperty != ""})
	sb.Select("COUNT(*)")

	query, args := sb.Build()
	s.trace(aggregation.OpCount, query)
	return storage.QueryOne(ctx, s.querier, query, args, storage.ScanInt64)
}

func (s *RowStore) GroupedCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(scope{numeric: s.Filters().NumericProperty && s.Filters().AggregationProperty != ""})
	return s.grouped(ctx, aggregation.OpGroupedCount, sb, "COUNT(*)::text")
}

func (s *RowStore) Max(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped(s.numericScope())
	sb.Select("MAX(" + valueExpr(sb, s.Filters().AggregationProperty) + ")::text")

	query, args := sb.Build()
	s.trace(aggregation.OpMax, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return storage.NullDecimal(v)
}

func (s *RowStore) GroupedMax(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(s.numericScope())
	return s.grouped(ctx, aggregation.OpGroupedMax, sb, "MAX("+valueExpr(sb, s.Filters().AggregationProperty)+")::text")
}

func (s *RowStore) Last(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped(s.numericScope())
	sb.Select(valueExpr(sb, s.Filters().AggregationProperty) + "::text")
	sb.OrderBy("events.timestamp DESC", "events.created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	s.trace(aggregation.OpLast, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if len(rows) == 0 {
		return decimal.NullDecimal{}, nil
	}
	return storage.NullDecimal(rows[0])
}

// GroupedLast keeps the latest event of every group using a ranked sub-query.
func (s *RowStore) GroupedLast(ctx context.Context) ([]aggregation.GroupedValue, error) {
	keys := s.GroupedBy()
	aliases := groupAliases(len(keys))

	inner := s.scoped(s.numericScope())
	inner.Select(groupColumns(inner, keys)...)
	inner.SelectMore(
		inner.As(valueExpr(inner, s.Filters().AggregationProperty), "value"),
		inner.As("events.timestamp", "ts"),
		inner.As("events.created_at", "created_at"),
	)

	ranked := sqlbuilder.PostgreSQL.NewSelectBuilder()
	ranked.Select(aliases...)
	ranked.SelectMore("value", "ts", rowNumberOver(aliases, "ts DESC, created_at DESC")+" AS rn")
	ranked.From(ranked.BuilderAs(inner, "scoped_events"))

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("value::text", "ts")
	sb.From(sb.BuilderAs(ranked, "ranked_events"))
	sb.Where("rn = 1")
	sb.OrderBy(aliases...)

	query, args := sb.Build()
	s.trace(aggregation.OpGroupedLast, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(keys), true))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

func (s *RowStore) Sum(ctx context.Context) (decimal.Decimal, error) {
	sb := s.scoped(s.numericScope())
	sb.Select("COALESCE(SUM(" + valueExpr(sb, s.Filters().AggregationProperty) + "), 0)::text")
	return s.scalarDecimal(ctx, aggregation.OpSum, sb)
}

func (s *RowStore) GroupedSum(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(s.numericScope())
	return s.grouped(ctx, aggregation.OpGroupedSum, sb, "COALESCE(SUM("+valueExpr(sb, s.Filters().AggregationProperty)+"), 0)::text")
}

func (s *RowStore) SumPreciseTotalAmountCents(ctx context.Context) (decimal.Decimal, error) {
	sb := s.scoped(scope{})
	sb.Select("COALESCE(SUM(events.precise_total_amount_cents), 0)::text")
	return s.scalarDecimal(ctx, aggregation.OpSumPreciseTotalAmountCents, sb)
}

func (s *RowStore) GroupedSumPreciseTotalAmountCents(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(scope{})
	return s.grouped(ctx, aggregation.OpGroupedSumPreciseTotalAmountCents, sb, "COALESCE(SUM(events.precise_total_amount_cents), 0)::text")
}

func (s *RowStore) ProratedSum(ctx context.Context, periodDuration int64, persistedDuration *int64) (decimal.Decimal, error) {
	ratio, err := s.ProrationRatio(periodDuration, persistedDuration)
	if err != nil {
		return decimal.Zero, err
	}
	sum, err := s.Sum(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Mul(ratio), nil
}

func (s *RowStore) GroupedProratedSum(ctx context.Context, periodDuration int64, persistedDuration *int64) ([]aggregation.GroupedValue, error) {
	ratio, err := s.ProrationRatio(periodDuration, persistedDuration)
	if err != nil {
		return nil, err
	}
	values, err := s.GroupedSum(ctx)
	if err != nil {
		return nil, err
	}
	return aggregation.ProrateGrouped(values, ratio), nil
}

// SumDateBreakdown sums values per customer-local day.
func (s *RowStore) SumDateBreakdown(ctx context.Context) ([]aggregation.DateValue, error) {
	sb := s.scoped(s.numericScope())
	sb.Select(
		sb.As("DATE(events.timestamp AT TIME ZONE CAST("+sb.Var(s.Location().String())+" AS text))", "day"),
		"COALESCE(SUM("+valueExpr(sb, s.Filters().AggregationProperty)+"), 0)::text",
	)
	sb.GroupBy("day")
	sb.OrderBy("day")

	query, args := sb.Build()
	s.trace(aggregation.OpSumDateBreakdown, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanDateRow)
	if err != nil {
		return nil, err
	}
	return storage.ToDateValues(rows)
}

func (s *RowStore) UniqueCount(ctx context.Context) (int64, error) {
	query, args := newUniqueCountQuery(s).Query()
	s.trace(aggregation.OpUniqueCount, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return 0, err
	}
	d, err := storage.DecimalOrZero(v)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

func (s *RowStore) GroupedUniqueCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	query, args := newUniqueCountQuery(s).GroupedQuery()
	s.trace(aggregation.OpGroupedUniqueCount, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(s.GroupedBy()), false))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

func (s *RowStore) ProratedUniqueCount(ctx context.Context) (decimal.Decimal, error) {
	duration, err := s.PeriodDuration()
	if err != nil {
		return decimal.Zero, err
	}
	if duration <= 0 {
		return decimal.Zero, fmt.Errorf("period duration must be > 0, got %d", duration)
	}
	query, args := newUniqueCountQuery(s).ProratedQuery(duration)
	return s.runDecimal(ctx, aggregation.OpProratedUniqueCount, query, args)
}

func (s *RowStore) GroupedProratedUniqueCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	duration, err := s.PeriodDuration()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("period duration must be > 0, got %d", duration)
	}
	query, args := newUniqueCountQuery(s).GroupedProratedQuery(duration)
	s.trace(aggregation.OpGroupedProratedUniqueCount, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(s.GroupedBy()), false))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

func (s *RowStore) ProratedUniqueCountBreakdown(ctx context.Context, withRemove bool) ([]aggregation.UniqueCountBreakdown, error) {
	duration, err := s.PeriodDuration()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("period duration must be > 0, got %d", duration)
	}
	query, args := newUniqueCountQuery(s).BreakdownQuery(duration, withRemove)
	s.trace(aggregation.OpProratedUniqueCountBreakdown, query)
	return storage.QueryAll(ctx, s.querier, query, args, scanBreakdownRow)
}

func (s *RowStore) WeightedSum(ctx context.Context, initialValue decimal.Decimal) (decimal.Decimal, error) {
	q := newWeightedSumQuery(s)
	if q.periodSeconds() <= 0 {
		return decimal.Zero, nil
	}
	query, args := q.Query(initialValue)
	return s.runDecimal(ctx, aggregation.OpWeightedSum, query, args)
}

func (s *RowStore) GroupedWeightedSum(ctx context.Context, initialValues []aggregation.GroupedValue) ([]aggregation.GroupedValue, error) {
	q := newWeightedSumQuery(s)
	if q.periodSeconds() <= 0 {
		return []aggregation.GroupedValue{}, nil
	}
	query, args := q.GroupedQuery(initialValues)
	s.trace(aggregation.OpGroupedWeightedSum, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(s.GroupedBy()), false))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

// EventsValues lists numeric values in timestamp order.
func (s *RowStore) EventsValues(ctx context.Context, opts aggregation.ValuesOptions) ([]decimal.Decimal, error) {
	sc := scope{numeric: true, forceFrom: opts.ForceFrom}
	if opts.ExcludeEvent && s.Filters().Event != nil {
		sc.excludeTxn = s.Filters().Event.TransactionID
	}

	sb := s.scoped(sc)
	sb.Select(valueExpr(sb, s.Filters().AggregationProperty) + "::text")
	sb.OrderBy("events.timestamp ASC", "events.created_at ASC")
	if opts.Limit > 0 {
		sb.Limit(opts.Limit)
	}

	query, args := sb.Build()
	s.trace(aggregation.OpEventsValues, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return nil, err
	}

	values := make([]decimal.Decimal, 0, len(rows))
	for _, r := range rows {
		d, err := storage.DecimalOrZero(r)
		if err != nil {
			return nil, err
		}
		values = append(values, d)
	}
	return values, nil
}

// LastEvent returns the most recent event in scope, or nil.
func (s *RowStore) LastEvent(ctx context.Context) (*aggregation.Event, error) {
	sb := s.scoped(scope{})
	sb.Select(lastEventColumns...)
	sb.OrderBy("events.timestamp DESC", "events.created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	s.trace(aggregation.OpLastEvent, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, scanEventRow)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	evt := rows[0]
	if prop := s.Filters().AggregationProperty; prop != "" {
		if v, ok := evt.Properties[prop]; ok {
			evt.Value = &v
			if d, ok := aggregation.ParseNumeric(v); ok {
				evt.DecimalValue = decimal.NewNullDecimal(d)
			}
		}
	}
	return evt, nil
}

// grouped runs aggregate over sb grouped by every GroupedBy key.
func (s *RowStore) grouped(ctx context.Context, op aggregation.Operation, sb *sqlbuilder.SelectBuilder, aggregate string) ([]aggregation.GroupedValue, error) {
	keys := s.GroupedBy()
	aliases := groupAliases(len(keys))

	sb.Select(groupColumns(sb, keys)...)
	sb.SelectMore(aggregate)
	if len(aliases) > 0 {
		sb.GroupBy(aliases...)
		sb.OrderBy(aliases...)
	}

	query, args := sb.Build()
	s.trace(op, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(keys), false))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

func (s *RowStore) scalarDecimal(ctx context.Context, op aggregation.Operation, sb *sqlbuilder.SelectBuilder) (decimal.Decimal, error) {
	query, args := sb.Build()
	return s.runDecimal(ctx, op, query, args)
}

func (s *RowStore) runDecimal(ctx context.Context, op aggregation.Operation, query string, args []interface{}) (decimal.Decimal, error) {
	s.trace(op, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := storage.DecimalOrZero(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

func rowNumberOver(partition []string, order string) string {
	if len(partition) == 0 {
		return "ROW_NUMBER() OVER (ORDER BY " + order + ")"
	}
	return "ROW_NUMBER() OVER (PARTITION BY " + joinColumns(partition) + " ORDER BY " + order + ")"
}
