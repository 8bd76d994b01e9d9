package clickhouse

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

const dateTimeLayout = "2006-01-02 15:04:05.000"

// formatDateTime renders t for toDateTime64(?, 3, 'UTC').
func formatDateTime(t time.Time) string {
	return t.UTC().Format(dateTimeLayout)
}

// timeExpr binds t as a millisecond UTC timestamp.
func timeExpr(sb *sqlbuilder.SelectBuilder, t time.Time) string {
	return "toDateTime64(" + sb.Var(formatDateTime(t)) + ", 3, 'UTC')"
}

func groupAlias(i int) string {
	return fmt.Sprintf("g_%d", i)
}

func groupAliases(n int) []string {
	return lo.Times(n, groupAlias)
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}

// groupedByMap renders the ordered key/value literal compared against the precomputed
// grouped_by column. Map equality is order sensitive, so keys are sorted and a missing
// value is normalized to ''.
func groupedByMap(sb *sqlbuilder.SelectBuilder, values aggregation.GroupValues) string {
	keys := values.SortedKeys()
	parts := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		parts = append(parts, sb.Var(key), sb.Var(values.Normalized(key)))
	}
	return "map(" + joinColumns(parts) + ")"
}

func groupAndOrder(sb *sqlbuilder.SelectBuilder, aliases []string) {
	if len(aliases) == 0 {
		return
	}
	sb.GroupBy(aliases...)
	sb.OrderBy(aliases...)
}

func sortedKeys(m map[string][]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// windowOver renders an OVER clause on the whole partition frame.
func windowOver(partition []string, order string) string {
	clause := "OVER ("
	if len(partition) > 0 {
		clause += "PARTITION BY " + joinColumns(partition) + " "
	}
	return clause + "ORDER BY " + order + " ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING)"
}
