package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/huandu/go-sqlbuilder"
)

const operationTypeProperty = "operation_type"

// uniqueCountQuery builds the point-in-time activity queries behind unique count.
//
// Each event becomes an adjustment against its property value: an add counts +1
// unless the value was already active, a remove counts -1 unless it was already
// removed. Summing adjustments gives the number of active values.
type uniqueCountQuery struct {
	store *RowStore
}

func newUniqueCountQuery(store *RowStore) uniqueCountQuery {
	return uniqueCountQuery{store: store}
}

func (q uniqueCountQuery) Query() (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COALESCE(SUM(adjusted_value), 0)::text")
	sb.From(sb.BuilderAs(q.adjusted(nil), "adjusted_event_values"))
	return sb.Build()
}

func (q uniqueCountQuery) GroupedQuery() (string, []interface{}) {
	keys := q.store.GroupedBy()
	aliases := groupAliases(len(keys))

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("COALESCE(SUM(adjusted_value), 0)::text")
	sb.From(sb.BuilderAs(q.adjusted(keys), "adjusted_event_values"))
	groupAndOrder(sb, aliases)
	return sb.Build()
}

func (q uniqueCountQuery) ProratedQuery(periodDuration int64) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COALESCE(SUM(period_ratio), 0)::text")
	sb.From(sb.BuilderAs(q.periods(nil, periodDuration), "prorated_periods"))
	return sb.Build()
}

func (q uniqueCountQuery) GroupedProratedQuery(periodDuration int64) (string, []interface{}) {
	keys := q.store.GroupedBy()
	aliases := groupAliases(len(keys))

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("COALESCE(SUM(period_ratio), 0)::text")
	sb.From(sb.BuilderAs(q.periods(keys, periodDuration), "prorated_periods"))
	groupAndOrder(sb, aliases)
	return sb.Build()
}

// BreakdownQuery lists every active interval with its prorated ratio.
func (q uniqueCountQuery) BreakdownQuery(periodDuration int64, withRemove bool) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("property", "operation_type", "ts", "period_ratio::text")
	sb.From(sb.BuilderAs(q.periods(nil, periodDuration), "prorated_periods"))
	if !withRemove {
		sb.Where(sb.Equal("operation_type", aggregation.OperationTypeAdd))
	}
	sb.OrderBy("property", "ts")
	return sb.Build()
}

// eventsData projects the scoped events with their property value and operation.
func (q uniqueCountQuery) eventsData(keys []string) *sqlbuilder.SelectBuilder {
	prop := q.store.Filters().AggregationProperty

	sb := q.store.scoped(scope{})
	sb.Select(groupColumns(sb, keys)...)
	sb.SelectMore(
		sb.As(propertyExpr(sb, prop), "property"),
		sb.As("COALESCE("+propertyExpr(sb, operationTypeProperty)+", "+sb.Var(aggregation.OperationTypeAdd)+")", "operation_type"),
		sb.As("events.timestamp", "ts"),
		sb.As("events.created_at", "created_at"),
	)
	sb.Where(propertyExpr(sb, prop) + " IS NOT NULL")
	return sb
}

func (q uniqueCountQuery) adjusted(keys []string) *sqlbuilder.SelectBuilder {
	aliases := groupAliases(len(keys))
	window := "OVER (PARTITION BY " + joinColumns(append(aliases, "property")) + " ORDER BY ts, created_at)"

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("property", "operation_type", "ts", "created_at")
	sb.SelectMore(fmt.Sprintf(
		"CASE WHEN operation_type = %[1]s "+
			"THEN (CASE WHEN LAG(operation_type, 1) %[3]s = %[1]s THEN 0 ELSE 1 END) "+
			"ELSE (CASE WHEN LAG(operation_type, 1, %[2]s) %[3]s = %[2]s THEN 0 ELSE -1 END) "+
			"END AS adjusted_value",
		sb.Var(aggregation.OperationTypeAdd),
		sb.Var(aggregation.OperationTypeRemove),
		window,
	))
	sb.From(sb.BuilderAs(q.eventsData(keys), "events_data"))
	return sb
}

// periods keeps state transitions and measures how long each add stays active, in
// customer-local days relative to the billing period.
func (q uniqueCountQuery) periods(keys []string, periodDuration int64) *sqlbuilder.SelectBuilder {
	aliases := groupAliases(len(keys))
	window := "OVER (PARTITION BY " + joinColumns(append(aliases, "property")) + " ORDER BY ts, created_at)"

	transitions := sqlbuilder.PostgreSQL.NewSelectBuilder()
	transitions.Select(aliases...)
	transitions.SelectMore("property", "operation_type", "ts", "created_at")
	transitions.From(transitions.BuilderAs(q.adjusted(keys), "adjusted_event_values"))
	transitions.Where("adjusted_value <> 0")

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	tz := "CAST(" + sb.Var(q.store.Location().String()) + " AS text)"
	from := "CAST(" + sb.Var(q.store.FromDatetime()) + " AS timestamptz)"
	to := "CAST(" + sb.Var(q.store.ToDatetime()) + " AS timestamptz)"
	duration := "CAST(" + sb.Var(periodDuration) + " AS numeric)"

	sb.Select(aliases...)
	sb.SelectMore("property", "operation_type", "ts")
	sb.SelectMore(fmt.Sprintf(
		"CASE WHEN operation_type = %[1]s "+
			"THEN GREATEST(CAST((DATE(COALESCE(LEAD(ts) %[2]s, %[3]s) AT TIME ZONE %[4]s) - DATE(GREATEST(ts, %[5]s) AT TIME ZONE %[4]s)) + 1 AS numeric) / %[6]s, 0) "+
			"ELSE 0 END AS period_ratio",
		sb.Var(aggregation.OperationTypeAdd),
		window,
		to,
		tz,
		from,
		duration,
	))
	sb.From(sb.BuilderAs(transitions, "transitions"))
	return sb
}

func groupAndOrder(sb *sqlbuilder.SelectBuilder, aliases []string) {
	if len(aliases) == 0 {
		return
	}
	sb.GroupBy(aliases...)
	sb.OrderBy(aliases...)
}

func scanBreakdownRow(row storage.RowScanner) (aggregation.UniqueCountBreakdown, error) {
	var (
		out   aggregation.UniqueCountBreakdown
		ts    time.Time
		ratio sql.NullString
	)
	if err := row.Scan(&out.Property, &out.OperationType, &ts, &ratio); err != nil {
		return out, err
	}
	out.Timestamp = ts.UTC()

	value, err := storage.DecimalOrZero(ratio)
	if err != nil {
		return out, err
	}
	out.Value = value
	return out, nil
}
