package clickhouse

import (
	"github.com/huandu/go-sqlbuilder"
)

const enrichedTable = "events_enriched_expanded"

// dedupKey identifies one delivery of an event for one charge and charge filter.
var dedupKey = []string{
	"charge_id",
	"charge_filter_id",
	"subscription_id",
	"organization_id",
	"timestamp",
	"transaction_id",
}

// dedup is stage one of every enriched query: it scopes rows to the organization,
// subscription, metric, charge and period, and collapses redelivered events to the
// most recently enriched copy. Trusted pipelines get a plain projection.
// The time bounds apply before grouping; timestamp is part of the dedup key.
func (s *EnrichedStore) dedup(forceFrom bool) *sqlbuilder.SelectBuilder {
	sub := s.Subscription()
	filters := s.Filters()

	sb := sqlbuilder.ClickHouse.NewSelectBuilder()
	if s.trusted {
		sb.Select(
			"transaction_id",
			"timestamp",
			"charge_filter_id",
			"properties",
			"value",
			"decimal_value",
			"precise_total_amount_cents",
			"grouped_by",
			sb.As("enriched_at", "last_enriched_at"),
		)
	} else {
		sb.Select(
			"transaction_id",
			"timestamp",
			"charge_filter_id",
			sb.As("argMax(properties, enriched_at)", "properties"),
			sb.As("argMax(value, enriched_at)", "value"),
			sb.As("argMax(decimal_value, enriched_at)", "decimal_value"),
			sb.As("argMax(precise_total_amount_cents, enriched_at)", "precise_total_amount_cents"),
			sb.As("argMax(grouped_by, enriched_at)", "grouped_by"),
			sb.As("max(enriched_at)", "last_enriched_at"),
		)
		sb.GroupBy(dedupKey...)
	}

	sb.From(enrichedTable)
	sb.Where(
		sb.Equal("organization_id", sub.Organization.ID),
		sb.Equal("subscription_id", sub.ID),
		sb.Equal("code", s.Code()),
	)
	if filters.ChargeID != "" {
		sb.Where(sb.Equal("charge_id", filters.ChargeID))
	}
	sb.Where("timestamp <= " + timeExpr(sb, s.ApplicableToDatetime()))
	if forceFrom || !filters.IgnoreFromBoundary {
		sb.Where("timestamp >= " + timeExpr(sb, s.FromDatetime()))
	}
	return sb
}
