package clickhouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	rawEngineName = "clickhouse_raw"
	rawTable      = "events_raw"
)

var rawCapabilities = aggregation.NewCapabilities(
	aggregation.OpCount, aggregation.OpGroupedCount,
	aggregation.OpMax, aggregation.OpGroupedMax,
	aggregation.OpLast, aggregation.OpGroupedLast,
	aggregation.OpEventsValues, aggregation.OpLastEvent,
)

// RawStore is the legacy engine over raw, non-enriched events. It only covers
// count, max and last; sums, proration and breakdowns fail with a capability
// error so callers can fall back to another engine.
type RawStore struct {
	*aggregation.Base
	aggregation.Unimplemented

	querier *storage.Querier
}

var _ aggregation.Store = (*RawStore)(nil)

// NewRawStore builds a request-scoped engine over the adapter's pool.
func NewRawStore(adapter *Adapter, base *aggregation.Base) *RawStore {
	return &RawStore{
		Base:          base,
		Unimplemented: aggregation.NewUnimplemented(rawEngineName, rawCapabilities),
		querier:       adapter.Querier(),
	}
}

// deduped collapses retried deliveries: rows sharing transaction id, properties and
// timestamp count once.
func (s *RawStore) deduped(forceFrom bool) *sqlbuilder.SelectBuilder {
	sub := s.Subscription()
	filters := s.Filters()

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select("transaction_id", "properties", "timestamp")
	sb.From(rawTable)
	sb.Where(
		sb.Equal("organization_id", sub.Organization.ID),
		sb.Equal("external_subscription_id", sub.ExternalID),
		sb.Equal("code", s.Code()),
		"timestamp <= "+timeExpr(sb, s.ApplicableToDatetime()),
	)
	if forceFrom || !filters.IgnoreFromBoundary {
		sb.Where("timestamp >= " + timeExpr(sb, s.FromDatetime()))
	}

	for _, key := range sortedKeys(filters.MatchingFilters) {
		sb.Where(sb.In("properties["+sb.Var(key)+"]", lo.ToAnySlice(filters.MatchingFilters[key])...))
	}

	if len(filters.IgnoredFilters) > 0 {
		excluded := make([]string, 0, len(filters.IgnoredFilters))
		for _, set := range filters.IgnoredFilters {
			conds := make([]string, 0, len(set))
			for _, key := range sortedKeys(set) {
				conds = append(conds, sb.In("properties["+sb.Var(key)+"]", lo.ToAnySlice(set[key])...))
			}
			if len(conds) > 0 {
				excluded = append(excluded, sb.And(conds...))
			}
		}
		if len(excluded) > 0 {
			sb.Where("NOT " + sb.Or(excluded...))
		}
	}

	values := s.GroupedByValues()
	for _, key := range values.SortedKeys() {
		sb.Where(sb.Equal("properties["+sb.Var(key)+"]", values.Normalized(key)))
	}

	sb.GroupBy("transaction_id", "properties", "timestamp")
	return sb
}

type rawScope struct {
	forceFrom  bool
	numeric    bool
	excludeTxn string
}

func (s *RawStore) scoped(sc rawScope) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.From(sb.BuilderAs(s.deduped(sc.forceFrom), "events"))
	if sc.numeric {
		sb.Where("match(" + s.propertyExpr(sb) + ", " + sb.Var(aggregation.NumericPattern) + ")")
	}
	if sc.excludeTxn != "" {
		sb.Where(sb.NotEqual("events.transaction_id", sc.excludeTxn))
	}
	return sb
}

func (s *RawStore) propertyExpr(sb *sqlbuilder.SelectBuilder) string {
	return "events.properties[" + sb.Var(s.Filters().AggregationProperty) + "]"
}

func (s *RawStore) valueExpr(sb *sqlbuilder.SelectBuilder) string {
	return "toDecimal128OrNull(" + s.propertyExpr(sb) + ", 15)"
}

func (s *RawStore) groupColumns(sb *sqlbuilder.SelectBuilder) []string {
	keys := s.GroupedBy()
	cols := make([]string, len(keys))
	for i, key := range keys {
		cols[i] = sb.As("events.properties["+sb.Var(key)+"]", groupAlias(i))
	}
	return cols
}

func (s *RawStore) trace(op aggregation.Operation, query string) {
	slog.Debug("[RawStore] Running aggregation",
		"operation", op,
		"code", s.Code(),
		"subscription", s.Subscription().ExternalID,
		"query", query,
	)
}

func (s *RawStore) Count(ctx context.Context) (int64, error) {
	sb := s.scoped(rawScope{numeric: s.Filters().NumericProperty && s.Filters().AggregationProperty != ""})
	sb.Select("toInt64(count())")

	query, args := sb.Build()
	s.trace(aggregation.OpCount, query)
	return storage.QueryOne(ctx, s.querier, query, args, storage.ScanInt64)
}

func (s *RawStore) GroupedCount(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(rawScope{numeric: s.Filters().NumericProperty && s.Filters().AggregationProperty != ""})
	return s.grouped(ctx, aggregation.OpGroupedCount, sb, "toString(count())")
}

func (s *RawStore) Max(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped(rawScope{numeric: true})
	sb.Select("toString(max(" + s.valueExpr(sb) + "))")

	query, args := sb.Build()
	s.trace(aggregation.OpMax, query)
	v, err := storage.QueryOne(ctx, s.querier, query, args, storage.ScanText)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return storage.NullDecimal(v)
}

func (s *RawStore) GroupedMax(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(rawScope{numeric: true})
	return s.grouped(ctx, aggregation.OpGroupedMax, sb, "toString(max("+s.valueExpr(sb)+"))")
}

func (s *RawStore) Last(ctx context.Context) (decimal.NullDecimal, error) {
	sb := s.scoped(rawScope{numeric: true})
	sb.Select("toString(" + s.valueExpr(sb) + ")")
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

func (s *RawStore) GroupedLast(ctx context.Context) ([]aggregation.GroupedValue, error) {
	sb := s.scoped(rawScope{numeric: true})
	aliases := groupAliases(len(s.GroupedBy()))

	sb.Select(s.groupColumns(sb)...)
	sb.SelectMore(
		"toString(argMax("+s.valueExpr(sb)+", events.timestamp))",
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

func (s *RawStore) EventsValues(ctx context.Context, opts aggregation.ValuesOptions) ([]decimal.Decimal, error) {
	sc := rawScope{numeric: true, forceFrom: opts.ForceFrom}
	if opts.ExcludeEvent && s.Filters().Event != nil {
		sc.excludeTxn = s.Filters().Event.TransactionID
	}

	sb := s.scoped(sc)
	sb.Select("toString(" + s.valueExpr(sb) + ")")
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

func (s *RawStore) LastEvent(ctx context.Context) (*aggregation.Event, error) {
	sb := s.scoped(rawScope{})
	sb.Select("events.transaction_id", "events.timestamp", "toJSONString(events.properties)")
	sb.OrderBy("events.timestamp DESC")
	sb.Limit(1)

	query, args := sb.Build()
	s.trace(aggregation.OpLastEvent, query)
	rows, err := storage.QueryAll(ctx, s.querier, query, args, scanRawEvent)
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
	evt.Code = s.Code()
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

func (s *RawStore) grouped(ctx context.Context, op aggregation.Operation, sb *sqlbuilder.SelectBuilder, aggregate string) ([]aggregation.GroupedValue, error) {
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

func scanRawEvent(row storage.RowScanner) (*aggregation.Event, error) {
	var (
		evt        aggregation.Event
		properties string
	)
	if err := row.Scan(&evt.TransactionID, &evt.Timestamp, &properties); err != nil {
		return nil, fmt.Errorf("failed to scan raw event: %w", err)
	}
	evt.Timestamp = evt.Timestamp.UTC()

	var err error
	if evt.Properties, err = decodeProperties(properties); err != nil {
		return nil, err
	}
	return &evt, nil
}
