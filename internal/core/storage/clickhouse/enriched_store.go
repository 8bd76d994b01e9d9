package clickhouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/huandu/go-sqlbuilder"
	"github.com/shopspring/decimal"
)

const enrichedEngineName = "clickhouse_enriched"

var enrichedCapabilities = aggregation.NewCapabilities(
	aggregation.OpCount, aggregation.OpGroupedCount,
	aggregation.OpMax, aggregation.OpGroupedMax,
	aggregation.OpLast, aggregation.OpGroupedLast,
	aggregation.OpSum, aggregation.OpGroupedSum,
	aggregation.OpSumPreciseTotalAmountCents, aggregation.OpGroupedSumPreciseTotalAmountCents,
	aggregation.OpProratedSum, aggregation.OpGroupedProratedSum,
	aggregation.OpSumDateBreakdown,
	aggregation.OpUniqueCount, aggregation.OpGroupedUniqueCount,
	aggregation.OpProratedUniqueCount, aggregation.OpGroupedProratedUniqueCount,
	aggregation.OpProratedUniqueCountBreakdown,
	aggregation.OpWeightedSum,
	aggregation.OpEventsValues, aggregation.OpLastEvent,
)

// EnrichedStore aggregates the enriched, charge-expanded event table. Events there
// already carry their charge filter, numeric value and grouped_by map, so filters
// resolve to column equality instead of property lookups.
//
// GroupedWeightedSum is not implemented and fails with a capability error.
type EnrichedStore struct {
	*aggregation.Base
	aggregation.Unimplemented

	querier *storage.Querier
	trusted bool
}

var _ aggregation.Store = (*EnrichedStore)(nil)

// NewEnrichedStore builds a request-scoped engine over the adapter's pool.
func NewEnrichedStore(adapter *Adapter, base *aggregation.Base) *EnrichedStore {
	return &EnrichedStore{
		Base:          base,
		Unimplemented: aggregation.NewUnimplemented(enrichedEngineName, enrichedCapabilities),
		querier:       adapter.Querier(),
		trusted:       adapter.DeduplicationTrusted(),
	}
}

type enrichedScope struct {
	forceFrom  bool
	numeric    bool
	excludeTxn string
}

// scoped is stage two: charge filter, numeric and grouping scope over the
// deduplicated rows.
func (s *EnrichedStore) scoped(sc enrichedScope) *sqlbuilder.SelectBuilder {
	filters := s.Filters()

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.From(sb.BuilderAs(s.dedup(sc.forceFrom), "events"))
	sb.Where(sb.Equal("events.charge_filter_id", filters.ChargeFilterID))
	if sc.numeric {
		sb.Where("events.decimal_value IS NOT NULL")
	}
	if sc.excludeTxn != "" {
		sb.Where(sb.NotEqual("events.transaction_id", sc.excludeTxn))
	}
	if values := s.GroupedByValues(); len(values) > 0 {
		sb.Where("events.grouped_by = " + groupedByMap(sb, values))
	}
	return sb
}

func (s *EnrichedStore) groupColumns(sb *sqlbuilder.SelectBuilder) []string {
	keys := s.GroupedBy()
	cols := make([]string, len(keys))
	for i, key := range keys {
		cols[i] = sb.As("events.grouped_by["+sb.Var(key)+"]", groupAlias(i))
	}
	return cols
}

func (s *EnrichedStore) trace(op aggregation.Operation, query string) {
	slog.Debug("[EnrichedStore] Running aggregation",
		"operation", op,
		"code", s.Code(),
		"subscription", s.Subscription().ID,
		"charge", s.Filters().ChargeID,
		"dedup_trusted", s.trusted,
		"query", query,
	)
}

// countScope restricts counting to numeric values when the metric asks for it.
func (s *EnrichedStore) countScope() enrichedScope {
	return enrichedScope{numeric: s.Filters().NumericProperty && s.Filters().AggregationProperty != ""}
}

func (s *EnrichedStore) Count(ctx context.Context) (int64, error) {
	sb := s.scoped(s.countScope())
	sb.Select("toInt64(count())")

	query, args := sb.Build()
	s.trace(aggregation.OpCount, query)
	return storage.QueryOne(ctx, s.querier, query, args, storage.ScanInt64)
}

func (s *EnrichedStore) GroupedCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	return s.grouped(ctx, aggregation.OpGroupedCount, s.scoped(s.countScope()), "toString(count())")
}

func (s *EnrichedStore) Max(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped(enrichedScope{numeric: true})
	sb.Select("toString(max(events.decimal_value))")
	return s.nullDecimal(ctx, aggregation.OpMax, sb)
}

func (s *EnrichedStore) GroupedMax(ctx context.Context) ([]aggregation.GroupedValue, error) {
	return s.grouped(ctx, aggregation.OpGroupedMax, s.scoped(enrichedScope{numeric: true}), "toString(max(events.decimal_value))")
}

func (s *EnrichedStore) Last(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped(enrichedScope{numeric: true})
	sb.Select("toString(events.decimal_value)")
	sb.OrderBy("events.timestamp DESC")
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

func (s *EnrichedStore) GroupedLast(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(enrichedScope{numeric: true})
	aliases := groupAliases(len(s.GroupedBy()))

	sb.Select(s.groupColumns(sb)...)
	sb.SelectMore(
		"toString(argMax(events.decimal_value, events.timestamp))",
		"max(events.timestamp)",
	)
	groupAndOrder(sb, aliases)

	query, args := sb.Build()
	s.trace(aggregation.OpGroupedLast, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(aliases), true))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

func (s *EnrichedStore) Sum(ctx context.Context) (decimal.Decimal, error) {
	sb := s.scoped(enrichedScope{numeric: true})
	sb.Select("toString(sum(events.decimal_value))")
	return s.scalarDecimal(ctx, aggregation.OpSum, sb)
}

func (s *EnrichedStore) GroupedSum(ctx context.Context) ([]aggregation.GroupedValue, error) {
	return s.grouped(ctx, aggregation.OpGroupedSum, s.scoped(enrichedScope{numeric: true}), "toString(sum(events.decimal_value))")
}

func (s *EnrichedStore) SumPreciseTotalAmountCents(ctx context.Context) (decimal.Decimal, error) {
	sb := s.scoped(enrichedScope{})
	sb.Select("toString(sum(events.precise_total_amount_cents))")
	return s.scalarDecimal(ctx, aggregation.OpSumPreciseTotalAmountCents, sb)
}

func (s *EnrichedStore) GroupedSumPreciseTotalAmountCents(ctx context.Context) ([]aggregation.GroupedValue, error) {
	return s.grouped(ctx, aggregation.OpGroupedSumPreciseTotalAmountCents, s.scoped(enrichedScope{}), "toString(sum(events.precise_total_amount_cents))")
}

func (s *EnrichedStore) ProratedSum(ctx context.Context, periodDuration int64, persistedDuration *int64) (decimal.Decimal, error) {
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

func (s *EnrichedStore) GroupedProratedSum(ctx context.Context, periodDuration int64, persistedDuration *int64) ([]aggregation.GroupedValue, error) {
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

func (s *EnrichedStore) SumDateBreakdown(ctx context.Context) ([]aggregation.DateValue, error) {
	sb := s.scoped(enrichedScope{numeric: true})
	sb.Select(
		sb.As("toDate(events.timestamp, "+sb.Var(s.Location().String())+")", "day"),
		"toString(sum(events.decimal_value))",
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

func (s *EnrichedStore) UniqueCount(ctx context.Context) (int64, error) {
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

func (s *EnrichedStore) GroupedUniqueCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	query, args := newUniqueCountQuery(s).GroupedQuery()
	s.trace(aggregation.OpGroupedUniqueCount, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(s.GroupedBy()), false))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

// ProratedUniqueCount sums active days per value in the query and divides by the
// period length here, which keeps the ratio exact.
func (s *EnrichedStore) ProratedUniqueCount(ctx context.Context) (decimal.Decimal, error) {
	duration, err := s.PeriodDuration()
	if err != nil {
		return decimal.Zero, err
	}
	if duration <= 0 {
		return decimal.Zero, fmt.Errorf("period duration must be > 0, got %d", duration)
	}

	query, args := newUniqueCountQuery(s).ProratedDaysQuery()
	s.trace(aggregation.OpProratedUniqueCount, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.Zero, err
	}
	days, err := storage.DecimalOrZero(v)
	if err != nil {
		return decimal.Zero, err
	}
	return days.Div(decimal.NewFromInt(duration)), nil
}

func (s *EnrichedStore) GroupedProratedUniqueCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	duration, err := s.PeriodDuration()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("period duration must be > 0, got %d", duration)
	}

	query, args := newUniqueCountQuery(s).GroupedProratedDaysQuery()
	s.trace(aggregation.OpGroupedProratedUniqueCount, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(s.GroupedBy()), false))
	if err != nil {
		return nil, err
	}
	values, err := storage.ToGroupedValues(s.Base, rows)
	if err != nil {
		return nil, err
	}

	period := decimal.NewFromInt(duration)
	for i := range values {
		values[i].Value = values[i].Value.Div(period)
	}
	return values, nil
}

func (s *EnrichedStore) ProratedUniqueCountBreakdown(ctx context.Context, withRemove bool) ([]aggregation.UniqueCountBreakdown, error) {
	duration, err := s.PeriodDuration()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("period duration must be > 0, got %d", duration)
	}

	query, args := newUniqueCountQuery(s).BreakdownQuery(withRemove)
	s.trace(aggregation.OpProratedUniqueCountBreakdown, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, scanBreakdownRow)
	if err != nil {
		return nil, err
	}

	period := decimal.NewFromInt(duration)
	for i := range rows {
		rows[i].Value = rows[i].Value.Div(period)
	}
	return rows, nil
}

func (s *EnrichedStore) WeightedSum(ctx context.Context, initialValue decimal.Decimal) (decimal.Decimal, error) {
	q := newWeightedSumQuery(s)
	periodMillis := q.periodMillis()
	if periodMillis <= 0 {
		return decimal.Zero, nil
	}

	query, args := q.Query(initialValue)
	s.trace(aggregation.OpWeightedSum, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.Zero, err
	}
	area, err := storage.DecimalOrZero(v)
	if err != nil {
		return decimal.Zero, err
	}
	return area.Div(decimal.NewFromInt(periodMillis)), nil
}

func (s *EnrichedStore) EventsValues(ctx context.Context, opts aggregation.ValuesOptions) ([]decimal.Decimal, error) {
	sc := enrichedScope{numeric: true, forceFrom: opts.ForceFrom}
	if opts.ExcludeEvent && s.Filters().Event != nil {
		sc.excludeTxn = s.Filters().Event.TransactionID
	}

	sb := s.scoped(sc)
	sb.Select("toString(events.decimal_value)")
	sb.OrderBy("events.timestamp ASC")
	if opts.Limit > 0 {
		sb.Limit(opts.Limit)
	}

	query, args := sb.Build()
	s.trace(aggregation.OpEventsValues, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return nil, err
	}
	return decimals(rows)
}

func (s *EnrichedStore) LastEvent(ctx context.Context) (*aggregation.Event, error) {
	sb := s.scoped(enrichedScope{})
	sb.Select(
		"events.transaction_id",
		"events.timestamp",
		"toJSONString(events.properties)",
		"events.value",
		"toString(events.decimal_value)",
		"toString(events.precise_total_amount_cents)",
		"events.last_enriched_at",
	)
	sb.OrderBy("events.timestamp DESC")
	sb.Limit(1)

	query, args := sb.Build()
	s.trace(aggregation.OpLastEvent, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, scanEnrichedEvent)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	evt := rows[0]
	sub := s.Subscription()
	evt.OrganizationID = sub.Organization.ID
	evt.ExternalSubscriptionID = sub.ExternalID
	evt.SubscriptionID = sub.ID
	evt.Code = s.Code()
	return evt, nil
}

func (s *EnrichedStore) grouped(ctx context.Context, op aggregation.Operation, sb *sqlbuilder.SelectBuilder, aggregate string) ([]aggregation.GroupedValue, error) {
	aliases := groupAliases(len(s.GroupedBy()))

	sb.Select(s.groupColumns(sb)...)
	sb.SelectMore(aggregate)
	groupAndOrder(sb, aliases)

	query, args := sb.Build()
	s.trace(op, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, storage.ScanGroupedRow(len(aliases), false))
	if err != nil {
		return nil, err
	}
	return storage.ToGroupedValues(s.Base, rows)
}

func (s *EnrichedStore) scalarDecimal(ctx context.Context, op aggregation.Operation, sb *sqlbuilder.SelectBuilder) (decimal.Decimal, error) {
	query, args := sb.Build()
	s.trace(op, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.Zero, err
	}
	return storage.DecimalOrZero(v)
}

func (s *EnrichedStore) nullDecimal(ctx context.Context, op aggregation.Operation, sb *sqlbuilder.SelectBuilder) (decimal.NullDecimal, error) {
	query, args := sb.Build()
	s.trace(op, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return storage.NullDecimal(v)
}

func decimals(rows []sql.NullString) ([]decimal.Decimal, error) {
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

func scanEnrichedEvent(row storage.RowScanner) (*aggregation.Event, error) {
	var (
		evt          aggregation.Event
		properties   string
		value        sql.NullString
		decimalValue sql.NullString
		preciseCents sql.NullString
		enrichedAt   time.Time
	)
	if err := row.Scan(&evt.TransactionID, &evt.Timestamp, &properties, &value, &decimalValue, &preciseCents, &enrichedAt); err != nil {
		return nil, fmt.Errorf("failed to scan enriched event: %w", err)
	}

	evt.Timestamp = evt.Timestamp.UTC()
	evt.EnrichedAt = enrichedAt.UTC()
	if value.Valid {
		v := value.String
		evt.Value = &v
	}

	var err error
	if evt.Properties, err = decodeProperties(properties); err != nil {
		return nil, err
	}
	if evt.DecimalValue, err = storage.NullDecimal(decimalValue); err != nil {
		return nil, err
	}
	if evt.PreciseTotalAmountCents, err = storage.NullDecimal(preciseCents); err != nil {
		return nil, err
	}
	return &evt, nil
}

func decodeProperties(raw string) (map[string]string, error) {
	props := map[string]string{}
	if raw == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}
	return props, nil
}
