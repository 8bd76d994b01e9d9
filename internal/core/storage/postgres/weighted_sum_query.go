package postgres

import (
	"fmt"
	"strings"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/huandu/go-sqlbuilder"
	"github.com/shopspring/decimal"
)

// weightedSumQuery integrates the usage level over the period. Event values are
// differences applied to a running level seeded at FromDatetime; the final interval
// ends at ToDatetime rounded up to the next whole second.
type weightedSumQuery struct {
	store *RowStore
}

func newWeightedSumQuery(store *RowStore) weightedSumQuery {
	return weightedSumQuery{store: store}
}

func (q weightedSumQuery) to() interface{} {
	return aggregation.CeilSecond(q.store.ToDatetime())
}

func (q weightedSumQuery) periodSeconds() int64 {
	return int64(aggregation.CeilSecond(q.store.ToDatetime()).Sub(q.store.FromDatetime()).Seconds())
}

// differences selects (ts, seq, created_at, difference, g_0..) for the scoped events.
func (q weightedSumQuery) differences(keys []string) *sqlbuilder.SelectBuilder {
	sb := q.store.scoped(scope{forceFrom: true, numeric: true})
	sb.Select(
		sb.As("events.timestamp", "ts"),
		"1 AS seq",
		sb.As("events.created_at", "created_at"),
		sb.As(valueExpr(sb, q.store.Filters().AggregationProperty), "difference"),
	)
	sb.SelectMore(groupColumns(sb, keys)...)
	return sb
}

const weightedSumTemplate = `
SELECT COALESCE(SUM(period_ratio), 0)::text FROM (
	SELECT (level * EXTRACT(EPOCH FROM (LEAD(ts, 1, ts) OVER (ORDER BY ts, seq, created_at) - ts))) / CAST(${period} AS numeric) AS period_ratio
	FROM (
		SELECT ts, seq, created_at, SUM(difference) OVER (ORDER BY ts, seq, created_at ROWS UNBOUNDED PRECEDING) AS level
		FROM (
			SELECT CAST(${from} AS timestamptz) AS ts, 0 AS seq, CAST(${from} AS timestamptz) AS created_at, CAST(${initial} AS numeric) AS difference
			UNION ALL
			(${events})
			UNION ALL
			SELECT CAST(${to} AS timestamptz), 2, CAST(${to} AS timestamptz), 0
		) events_data
	) cumulated_values
) weighted_values`

func (q weightedSumQuery) Query(initialValue decimal.Decimal) (string, []interface{}) {
	return sqlbuilder.Build(weightedSumTemplate,
		sqlbuilder.Named("period", q.periodSeconds()),
		sqlbuilder.Named("from", q.store.FromDatetime()),
		sqlbuilder.Named("to", q.to()),
		sqlbuilder.Named("initial", initialValue.String()),
		sqlbuilder.Named("events", q.differences(nil)),
	).BuildWithFlavor(sqlbuilder.PostgreSQL)
}

// GroupedQuery seeds every group listed in initialValues; groups first seen in the
// period start from zero.
func (q weightedSumQuery) GroupedQuery(initialValues []aggregation.GroupedValue) (string, []interface{}) {
	keys := q.store.GroupedBy()
	aliases := groupAliases(len(keys))
	groupList := ""
	if len(aliases) > 0 {
		groupList = joinColumns(aliases) + ", "
	}

	args := []interface{}{
		sqlbuilder.Named("period", q.periodSeconds()),
		sqlbuilder.Named("from", q.store.FromDatetime()),
		sqlbuilder.Named("to", q.to()),
		sqlbuilder.Named("events", q.differences(keys)),
	}

	seeds := make([]string, 0, len(initialValues)+1)
	for i, seed := range initialValues {
		cols := make([]string, len(keys))
		for j, key := range keys {
			name := fmt.Sprintf("seed_%d_g_%d", i, j)
			args = append(args, sqlbuilder.Named(name, aggregation.GroupValues(seed.Groups).Normalized(key)))
			cols[j] = fmt.Sprintf(", CAST(${%s} AS text) AS %s", name, aliases[j])
		}
		valueName := fmt.Sprintf("seed_%d_value", i)
		args = append(args, sqlbuilder.Named(valueName, seed.Value.String()))
		seeds = append(seeds, fmt.Sprintf(
			"SELECT CAST(${from} AS timestamptz) AS ts, 0 AS seq, CAST(${from} AS timestamptz) AS created_at, CAST(${%s} AS numeric) AS difference%s",
			valueName, strings.Join(cols, ""),
		))
	}
	seeds = append(seeds, "(${events})")

	partition := ""
	if len(aliases) > 0 {
		partition = "PARTITION BY " + joinColumns(aliases) + " "
	}

	template := `
WITH seeded AS (
	` + strings.Join(seeds, "\n\tUNION ALL\n\t") + `
),
events_data AS (
	SELECT ts, seq, created_at, difference` + prefixed(aliases) + ` FROM seeded
	UNION ALL
	SELECT DISTINCT CAST(${to} AS timestamptz), 2, CAST(${to} AS timestamptz), 0` + prefixed(aliases) + ` FROM seeded
)
SELECT ` + groupList + `COALESCE(SUM(period_ratio), 0)::text FROM (
	SELECT ` + groupList + `(level * EXTRACT(EPOCH FROM (LEAD(ts, 1, ts) OVER (` + partition + `ORDER BY ts, seq, created_at) - ts))) / CAST(${period} AS numeric) AS period_ratio
	FROM (
		SELECT ` + groupList + `ts, seq, created_at, SUM(difference) OVER (` + partition + `ORDER BY ts, seq, created_at ROWS UNBOUNDED PRECEDING) AS level
		FROM events_data
	) cumulated_values
) weighted_values`
	if len(aliases) > 0 {
		template += "\nGROUP BY " + joinColumns(aliases) + "\nORDER BY " + joinColumns(aliases)
	}

	return sqlbuilder.Build(template, args...).BuildWithFlavor(sqlbuilder.PostgreSQL)
}

func prefixed(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	return ", " + joinColumns(cols)
}
