package clickhouse

import (
	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/huandu/go-sqlbuilder"
	"github.com/shopspring/decimal"
)

// weightedSumQuery returns the area under the usage level, in value x milliseconds.
// The caller divides by the period length.
type weightedSumQuery struct {
	store *EnrichedStore
}

func newWeightedSumQuery(store *EnrichedStore) weightedSumQuery {
	return weightedSumQuery{store: store}
}

func (q weightedSumQuery) periodMillis() int64 {
	return aggregation.CeilSecond(q.store.ToDatetime()).Sub(q.store.FromDatetime()).Milliseconds()
}

func (q weightedSumQuery) differences() *sqlbuilder.SelectBuilder {
	sb := q.store.scoped(enrichedScope{forceFrom: true, numeric: true})
	sb.Select(
		sb.As("events.timestamp", "ts"),
		sb.As("toUInt8(1)", "seq"),
		sb.As("toDecimal128(assumeNotNull(events.decimal_value), 15)", "difference"),
	)
	return sb
}

const weightedSumTemplate = `
SELECT toString(sum(level * interval_ms)) FROM (
	SELECT
		sum(difference) OVER (ORDER BY ts ASC, seq ASC ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW) AS level,
		if(seq = 2, 0, toUnixTimestamp64Milli(leadInFrame(ts, 1) OVER (ORDER BY ts ASC, seq ASC ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING)) - toUnixTimestamp64Milli(ts)) AS interval_ms
	FROM (
		SELECT toDateTime64(${from}, 3, 'UTC') AS ts, toUInt8(0) AS seq, toDecimal128(${initial}, 15) AS difference
		UNION ALL
		${events}
		UNION ALL
		SELECT toDateTime64(${to}, 3, 'UTC') AS ts, toUInt8(2) AS seq, toDecimal128(0, 15) AS difference
	)
)`

func (q weightedSumQuery) Query(initialValue decimal.Decimal) (string, []interface{}) {
	return sqlbuilder.Build(weightedSumTemplate,
		sqlbuilder.Named("from", formatDateTime(q.store.FromDatetime())),
		sqlbuilder.Named("to", formatDateTime(aggregation.CeilSecond(q.store.ToDatetime()))),
		sqlbuilder.Named("initial", initialValue.String()),
		sqlbuilder.Named("events", q.differences()),
	).BuildWithFlavor(sqlbuilder.ClickHouse)
}
