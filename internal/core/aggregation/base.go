package aggregation

import (
	"fmt"
	"time"
	_ "time/tzdata" // customer timezones must resolve without a system zoneinfo
	"unicode/utf8"

	coreerrors "github.com/aevon-lab/usage-engine/internal/core/errors"
	"github.com/shopspring/decimal"
)

const maxIdentifierLength = 255

// PeriodCalculator computes the billing-period length in days. It stands in for the
// subscription-dates collaborator owned by the billing layer.
type PeriodCalculator interface {
	PeriodDuration(sub Subscription, boundaries Boundaries) (int64, error)
}

// ChargesDurationCalculator uses Boundaries.ChargesDuration and falls back to the
// number of days between the boundaries in the customer timezone.
type ChargesDurationCalculator struct{}

func (ChargesDurationCalculator) PeriodDuration(sub Subscription, b Boundaries) (int64, error) {
	if b.ChargesDuration > 0 {
		return b.ChargesDuration, nil
	}
	loc, err := time.LoadLocation(sub.ApplicableTimezone())
	if err != nil {
		return 0, fmt.Errorf("period duration: %w", err)
	}
	return DayCount(b.FromDatetime, b.ToDatetime, loc), nil
}

// Base carries the request shared by every engine and the helpers of the contract.
// It is request scoped: build one per aggregation call.
type Base struct {
	subscription Subscription
	boundaries   Boundaries
	code         string
	filters      Filters
	location     *time.Location
	periods      PeriodCalculator
}

// NewBase validates user-controlled identifiers and resolves the customer timezone.
func NewBase(sub Subscription, boundaries Boundaries, code string, filters Filters, periods PeriodCalculator) (*Base, error) {
	if err := validateIdentifiers(code, filters); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(sub.ApplicableTimezone())
	if err != nil {
		return nil, fmt.Errorf("resolve timezone %q: %w", sub.ApplicableTimezone(), err)
	}

	if periods == nil {
		periods = ChargesDurationCalculator{}
	}

	return &Base{
		subscription: sub,
		boundaries:   boundaries,
		code:         code,
		filters:      filters,
		location:     loc,
		periods:      periods,
	}, nil
}

func validateIdentifiers(code string, filters Filters) error {
	if err := checkIdentifier("billable metric code", code); err != nil {
		return err
	}
	if filters.AggregationProperty != "" {
		if err := checkIdentifier("aggregation property", filters.AggregationProperty); err != nil {
			return err
		}
	}
	for _, key := range filters.GroupedBy {
		if err := checkIdentifier("grouped_by key", key); err != nil {
			return err
		}
	}
	for key := range filters.GroupedByValues {
		if err := checkIdentifier("grouped_by key", key); err != nil {
			return err
		}
	}
	for key := range filters.MatchingFilters {
		if err := checkIdentifier("filter key", key); err != nil {
			return err
		}
	}
	for _, set := range filters.IgnoredFilters {
		for key := range set {
			if err := checkIdentifier("filter key", key); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkIdentifier rejects values that cannot be bound as query parameters.
func checkIdentifier(kind, value string) error {
	if value == "" || len(value) > maxIdentifierLength || !utf8.ValidString(value) {
		return coreerrors.UnsafeIdentifier(kind, value)
	}
	for _, r := range value {
		if r == 0 {
			return coreerrors.UnsafeIdentifier(kind, value)
		}
	}
	return nil
}

func (b *Base) Subscription() Subscription { return b.subscription }
func (b *Base) Boundaries() Boundaries     { return b.boundaries }
func (b *Base) Code() string               { return b.code }
func (b *Base) Filters() Filters           { return b.filters }
func (b *Base) Location() *time.Location   { return b.location }

func (b *Base) FromDatetime() time.Time { return b.boundaries.FromDatetime }
func (b *Base) ToDatetime() time.Time   { return b.boundaries.ToDatetime }

// ApplicableToDatetime clamps ToDatetime with the optional MaxTimestamp.
func (b *Base) ApplicableToDatetime() time.Time {
	if b.boundaries.MaxTimestamp != nil && b.boundaries.MaxTimestamp.Before(b.boundaries.ToDatetime) {
		return *b.boundaries.MaxTimestamp
	}
	return b.boundaries.ToDatetime
}

// PeriodDuration returns the billing-period length in days.
func (b *Base) PeriodDuration() (int64, error) {
	return b.periods.PeriodDuration(b.subscription, b.boundaries)
}

func (b *Base) GroupedBy() []string          { return b.filters.GroupedBy }
func (b *Base) GroupedByValues() GroupValues { return b.filters.GroupedByValues }

// WithGroupedByValues temporarily substitutes the grouping-value filter. The previous
// value is restored by defer, so errors and panics inside fn cannot leak the override.
func (b *Base) WithGroupedByValues(values GroupValues, fn func() error) error {
	previous := b.filters.GroupedByValues
	b.filters.GroupedByValues = values
	defer func() { b.filters.GroupedByValues = previous }()

	return fn()
}

// Groups maps the ordered GroupedBy keys to one result row's values. Missing and
// blank values both come back as nil.
func (b *Base) Groups(values []*string) map[string]*string {
	groups := make(map[string]*string, len(b.filters.GroupedBy))
	for i, key := range b.filters.GroupedBy {
		if i < len(values) && values[i] != nil && *values[i] != "" {
			v := *values[i]
			groups[key] = &v
			continue
		}
		groups[key] = nil
	}
	return groups
}

// ProrationRatio returns the share of the billing period covered by the boundaries,
// counted in whole customer-local days. A persisted duration replays a stored value.
func (b *Base) ProrationRatio(periodDuration int64, persistedDuration *int64) (decimal.Decimal, error) {
	if persistedDuration != nil {
		return PersistedRatio(*persistedDuration, periodDuration)
	}
	return ProrationRatio(b.boundaries.FromDatetime, b.boundaries.ToDatetime, b.location, periodDuration)
}

// ProrateGrouped scales every grouped value by ratio.
func ProrateGrouped(values []GroupedValue, ratio decimal.Decimal) []GroupedValue {
	out := make([]GroupedValue, len(values))
	for i, v := range values {
		v.Value = v.Value.Mul(ratio)
		out[i] = v
	}
	return out
}
