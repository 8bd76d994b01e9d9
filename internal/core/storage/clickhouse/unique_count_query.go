package clickhouse

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/huandu/go-sqlbuilder"
)

const operationTypeProperty = "operation_type"

// uniqueCountQuery is the columnar rendition of the point-in-time activity check.
// An add counts +1 unless the value is already active, a remove counts -1 unless the
// value is already removed.
type uniqueCountQuery struct {
	store *EnrichedStore
}

func newUniqueCountQuery(store *EnrichedStore) uniqueCountQuery {
	return uniqueCountQuery{store: store}
}

func (q uniqueCountQuery) Query() (string, []interface{}) {
	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select("toString(sum(adjusted_value))")
	sb.From(sb.BuilderAs(q.adjusted(false), "adjusted_event_values"))
	return sb.Build()
}

func (q uniqueCountQuery) GroupedQuery() (string, []interface{}) {
	aliases := groupAliases(len(q.store.GroupedBy()))

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("toString(sum(adjusted_value))")
	sb.From(sb.BuilderAs(q.adjusted(true), "adjusted_event_values"))
	groupAndOrder(sb, aliases)
	return sb.Build()
}

// ProratedDaysQuery sums the customer-local days every value stays active.
func (q uniqueCountQuery) ProratedDaysQuery() (string, []interface{}) {
	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select("toString(sum(active_days))")
	sb.From(sb.BuilderAs(q.activeDays(false), "active_periods"))
	return sb.Build()
}

func (q uniqueCountQuery) GroupedProratedDaysQuery() (string, []interface{}) {
	aliases := groupAliases(len(q.store.GroupedBy()))

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("toString(sum(active_days))")
	sb.From(sb.BuilderAs(q.activeDays(true), "active_periods"))
	groupAndOrder(sb, aliases)
	return sb.Build()
}

// BreakdownQuery lists every transition with its active days.
func (q uniqueCountQuery) BreakdownQuery(withRemove bool) (string, []interface{}) {
	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select("property", "operation_type", "ts", "toString(active_days)")
	sb.From(sb.BuilderAs(q.activeDays(false), "active_periods"))
	if !withRemove {
		sb.Where(sb.Equal("operation_type", aggregation.OperationTypeAdd))
	}
	sb.OrderBy("property", "ts")
	return sb.Build()
}

func (q uniqueCountQuery) aliases(grouped bool) []string {
	if !grouped {
		return nil
	}
	return groupAliases(len(q.store.GroupedBy()))
}

func (q uniqueCountQuery) eventsData(grouped bool) *sqlbuilder.SelectBuilder {
	prop := q.store.Filters().AggregationProperty

	sb := q.store.scoped(enrichedScope{})
	if grouped {
		sb.Select(q.store.groupColumns(sb)...)
	}
	sb.SelectMore(
		sb.As("events.properties["+sb.Var(prop)+"]", "property"),
		sb.As("coalesce(nullIf(events.properties["+sb.Var(operationTypeProperty)+"], ''), "+sb.Var(aggregation.OperationTypeAdd)+")", "operation_type"),
		sb.As("events.timestamp", "ts"),
	)
	sb.Where("mapContains(events.properties, " + sb.Var(prop) + ")")
	return sb
}

func (q uniqueCountQuery) adjusted(grouped bool) *sqlbuilder.SelectBuilder {
	aliases := q.aliases(grouped)
	window := windowOver(append(aliases, "property"), "ts ASC")

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	sb.Select(aliases...)
	sb.SelectMore("property", "operation_type", "ts")
	sb.SelectMore(fmt.Sprintf(
		"if(operation_type = %[1]s, "+
			"if(lagInFrame(operation_type, 1) %[3]s = %[1]s, 0, 1), "+
			"if(lagInFrame(operation_type, 1, %[2]s) %[3]s = %[2]s, 0, -1)) AS adjusted_value",
		sb.Var(aggregation.OperationTypeAdd),
		sb.Var(aggregation.OperationTypeRemove),
		window,
	))
	sb.From(sb.BuilderAs(q.eventsData(grouped), "events_data"))
	return sb
}

// activeDays measures, for every add transition, the customer-local days until the
// next transition of the same value or the end of the period.
func (q uniqueCountQuery) activeDays(grouped bool) *sqlbuilder.SelectBuilder {
	aliases := q.aliases(grouped)
	window := windowOver(append(aliases, "property"), "ts ASC")

	transitions := sqlbuilder.ClickHouse.NewSelectBuilder()
	transitions.Select(aliases...)
	transitions.SelectMore(
		"property", "operation_type", "ts",
		"leadInFrame(ts, 1) "+window+" AS next_ts",
		"leadInFrame(toUInt8(1), 1) "+window+" AS has_next",
	)
	transitions.From(transitions.BuilderAs(q.adjusted(grouped), "adjusted_event_values"))
	transitions.Where("adjusted_value != 0")

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	tz := sb.Var(q.store.Location().String())
	sb.Select(aliases...)
	sb.SelectMore("property", "operation_type", "ts")
	sb.SelectMore(fmt.Sprintf(
		"if(operation_type = %[1]s, "+
			"greatest(dateDiff('day', toDate(greatest(ts, %[2]s), %[4]s), toDate(if(has_next = 1, next_ts, %[3]s), %[4]s)) + 1, 0), "+
			"0) AS active_days",
		sb.Var(aggregation.OperationTypeAdd),
		timeExpr(sb, q.store.FromDatetime()),
		timeExpr(sb, q.store.ToDatetime()),
		tz,
	))
	sb.From(sb.BuilderAs(transitions, "transitions"))
	return sb
}

// scanBreakdownRow leaves the active days in Value; the caller divides by the period.
func scanBreakdownRow(row storage.RowScanner) (aggregation.UniqueCountBreakdown, error) {
	var (
		out  aggregation.UniqueCountBreakdown
		ts   time.Time
		days sql.NullString
	)
	if err := row.Scan(&out.Property, &out.OperationType, &ts, &days); err != nil {
		return out, err
	}
	out.Timestamp = ts.UTC()

	value, err := storage.DecimalOrZero(days)
	if err != nil {
		return out, err
	}
	out.Value = value
	return out, nil
}
