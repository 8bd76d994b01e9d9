package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

// scope tunes the WHERE clause shared by every row-store query.
type scope struct {
	forceFrom  bool // apply FromDatetime even when the request ignores it
	numeric    bool // keep only events whose aggregation property passes the strict check
	excludeTxn string
}

// propertyExpr reads a JSONB property as text. The key is always a bound parameter.
func propertyExpr(sb *sqlbuilder.SelectBuilder, key string) string {
	return "(events.properties ->> CAST(" + sb.Var(key) + " AS text))"
}

// valueExpr is the aggregation property cast to numeric. Only valid under a numeric scope.
func valueExpr(sb *sqlbuilder.SelectBuilder, key string) string {
	return "CAST(" + propertyExpr(sb, key) + " AS numeric)"
}

// groupAlias names the i-th grouping column; results map back to GroupedBy by index.
func groupAlias(i int) string {
	return fmt.Sprintf("g_%d", i)
}

func groupAliases(n int) []string {
	return lo.Times(n, groupAlias)
}

// groupColumns selects every grouping key, blank and missing collapsed to ''.
func groupColumns(sb *sqlbuilder.SelectBuilder, keys []string) []string {
	cols := make([]string, len(keys))
	for i, key := range keys {
		cols[i] = "COALESCE(" + propertyExpr(sb, key) + ", '') AS " + groupAlias(i)
	}
	return cols
}

func (s *RowStore) scoped(sc scope) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	s.applyScope(sb, sc)
	return sb
}

func (s *RowStore) applyScope(sb *sqlbuilder.SelectBuilder, sc scope) {
	sub := s.Subscription()
	filters := s.Filters()

	sb.From("events")
	sb.Where(
		"events.deleted_at IS NULL",
		sb.Equal("events.organization_id", sub.Organization.ID),
		sb.Equal("events.external_subscription_id", sub.ExternalID),
		sb.Equal("events.code", s.Code()),
		sb.LessEqualThan("events.timestamp", s.ApplicableToDatetime()),
	)

	if sc.forceFrom || !filters.IgnoreFromBoundary {
		sb.Where(sb.GreaterEqualThan("events.timestamp", s.FromDatetime()))
	}

	if sc.numeric {
		sb.Where(propertyExpr(sb, filters.AggregationProperty) + " ~ CAST(" + sb.Var(aggregation.NumericPattern) + " AS text)")
	}

	if sc.excludeTxn != "" {
		sb.Where(sb.NotEqual("events.transaction_id", sc.excludeTxn))
	}

	for _, key := range sortedKeys(filters.MatchingFilters) {
		sb.Where(sb.In(propertyExpr(sb, key), lo.ToAnySlice(filters.MatchingFilters[key])...))
	}

	if len(filters.IgnoredFilters) > 0 {
		excluded := make([]string, 0, len(filters.IgnoredFilters))
		for _, set := range filters.IgnoredFilters {
			conds := make([]string, 0, len(set))
			for _, key := range sortedKeys(set) {
				conds = append(conds, sb.In("COALESCE("+propertyExpr(sb, key)+", '')", lo.ToAnySlice(set[key])...))
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
		sb.Where(sb.Equal("COALESCE("+propertyExpr(sb, key)+", '')", values.Normalized(key)))
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}
