package aggregation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Event is one stored usage event as seen by the aggregation engines.
// The engines never mutate events; they are read back only by LastEvent.
type Event struct {
	TransactionID           string
	OrganizationID          string
	ExternalSubscriptionID  string
	SubscriptionID          string
	Code                    string
	Timestamp               time.Time
	EnrichedAt              time.Time // columnar enriched store only
	Value                   *string
	DecimalValue            decimal.NullDecimal
	PreciseTotalAmountCents decimal.NullDecimal
	Properties              map[string]string
}

// Customer owns the subscription and carries the timezone used for day boundaries.
type Customer struct {
	ID       string
	Timezone string
}

// Organization holds the organization-level fields the engines read.
type Organization struct {
	ID       string
	Timezone string
}

// Subscription is the collaborator the aggregation is scoped to.
type Subscription struct {
	ID           string
	ExternalID   string
	Organization Organization
	Customer     Customer
}

// ApplicableTimezone resolves customer timezone, then organization timezone, then UTC.
func (s Subscription) ApplicableTimezone() string {
	if s.Customer.Timezone != "" {
		return s.Customer.Timezone
	}
	if s.Organization.Timezone != "" {
		return s.Organization.Timezone
	}
	return "UTC"
}

// Boundaries delimit the billing period being aggregated. ToDatetime is inclusive.
type Boundaries struct {
	FromDatetime    time.Time
	ToDatetime      time.Time
	MaxTimestamp    *time.Time // optional "as of" clamp
	ChargesDuration int64      // days in the current billing period
}

// GroupValues scopes an evaluation to one group instance. A nil value matches a
// missing or blank property.
type GroupValues map[string]*string

// SortedKeys returns the keys in ascending order.
func (g GroupValues) SortedKeys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalized returns the value for key with nil mapped to the empty string.
func (g GroupValues) Normalized(key string) string {
	if v := g[key]; v != nil {
		return *v
	}
	return ""
}

// Filters is the immutable description of what to compute, apart from the
// subscription, boundaries and billable metric code the store is built with.
type Filters struct {
	ChargeID       string
	ChargeFilterID string // empty means unfiltered

	GroupedBy       []string
	GroupedByValues GroupValues

	// MatchingFilters selects events whose property is one of the listed values;
	// every key must match.
	MatchingFilters map[string][]string
	// IgnoredFilters excludes events matching any of the listed combinations.
	IgnoredFilters []map[string][]string

	AggregationProperty string
	NumericProperty     bool

	// IgnoreFromBoundary drops the FromDatetime predicate so that state carried over
	// from earlier periods (unique-count adds, last values) stays visible.
	IgnoreFromBoundary bool

	// Event is the event currently being evaluated, excluded by EventsValues.
	Event *Event
}

// GroupedValue is one entry of a grouped result.
type GroupedValue struct {
	Groups    map[string]*string
	Value     decimal.Decimal
	Timestamp *time.Time // set by GroupedLast
}

// DateValue is one entry of a per-day breakdown.
type DateValue struct {
	Date  time.Time
	Value decimal.Decimal
}

// UniqueCountBreakdown is one active interval of a unique property value.
type UniqueCountBreakdown struct {
	Property      string
	OperationType string
	Timestamp     time.Time
	Value         decimal.Decimal // prorated ratio of the interval
}

// ValuesOptions controls EventsValues.
type ValuesOptions struct {
	Limit        int
	ForceFrom    bool
	ExcludeEvent bool
}

// Operation types carried by unique-count events.
const (
	OperationTypeAdd    = "add"
	OperationTypeRemove = "remove"
)
