package aggregation

import (
	"context"

	"github.com/shopspring/decimal"
)

// Operation names one entry of the Store contract. Engines advertise the operations
// they implement through Supports; every other operation fails with an
// UnsupportedOperationError instead of returning a zero value.
type Operation string

const (
	OpCount                             Operation = "count"
	OpGroupedCount                      Operation = "grouped_count"
	OpMax                               Operation = "max"
	OpGroupedMax                        Operation = "grouped_max"
	OpLast                              Operation = "last"
	OpGroupedLast                       Operation = "grouped_last"
	OpSum                               Operation = "sum"
	OpGroupedSum                        Operation = "grouped_sum"
	OpSumPreciseTotalAmountCents        Operation = "sum_precise_total_amount_cents"
	OpGroupedSumPreciseTotalAmountCents Operation = "grouped_sum_precise_total_amount_cents"
	OpProratedSum                       Operation = "prorated_sum"
	OpGroupedProratedSum                Operation = "grouped_prorated_sum"
	OpSumDateBreakdown                  Operation = "sum_date_breakdown"
	OpUniqueCount                       Operation = "unique_count"
	OpGroupedUniqueCount                Operation = "grouped_unique_count"
	OpProratedUniqueCount               Operation = "prorated_unique_count"
	OpGroupedProratedUniqueCount        Operation = "grouped_prorated_unique_count"
	OpProratedUniqueCountBreakdown      Operation = "prorated_unique_count_breakdown"
	OpWeightedSum                       Operation = "weighted_sum"
	OpGroupedWeightedSum                Operation = "grouped_weighted_sum"
	OpEventsValues                      Operation = "events_values"
	OpLastEvent                         Operation = "last_event"
)

// AllOperations lists the full contract in a stable order.
var AllOperations = []Operation{
	OpCount, OpGroupedCount,
	OpMax, OpGroupedMax,
	OpLast, OpGroupedLast,
	OpSum, OpGroupedSum,
	OpSumPreciseTotalAmountCents, OpGroupedSumPreciseTotalAmountCents,
	OpProratedSum, OpGroupedProratedSum,
	OpSumDateBreakdown,
	OpUniqueCount, OpGroupedUniqueCount,
	OpProratedUniqueCount, OpGroupedProratedUniqueCount,
	OpProratedUniqueCountBreakdown,
	OpWeightedSum, OpGroupedWeightedSum,
	OpEventsValues, OpLastEvent,
}

// Capabilities is the set of operations an engine implements.
type Capabilities map[Operation]struct{}

// NewCapabilities builds a capability set.
func NewCapabilities(ops ...Operation) Capabilities {
	c := make(Capabilities, len(ops))
	for _, op := range ops {
		c[op] = struct{}{}
	}
	return c
}

// Has reports whether op is in the set.
func (c Capabilities) Has(op Operation) bool {
	_, ok := c[op]
	return ok
}

// Store is the full aggregation contract handed to the pricing layer.
//
// Scalars report "no events" as zero (counts and sums) or as an invalid
// decimal.NullDecimal (max and last).
type Store interface {
	// Engine returns the engine name used in logs and capability errors.
	Engine() string
	// Supports is the explicit capability query; callers check it before invoking an
	// operation to pick a fallback engine.
	Supports(op Operation) bool

	// WithGroupedByValues runs fn with the grouping-value filter replaced by values.
	// The previous filter is restored on every exit path.
	WithGroupedByValues(values GroupValues, fn func() error) error

	Count(ctx context.Context) (int64, error)
	GroupedCount(ctx context.Context) ([]GroupedValue, error)

	Max(ctx context.Context) (decimal.NullDecimal, error)
	GroupedMax(ctx context.Context) ([]GroupedValue, error)

	Last(ctx context.Context) (decimal.NullDecimal, error)
	GroupedLast(ctx context.Context) ([]GroupedValue, error)

	Sum(ctx context.Context) (decimal.Decimal, error)
	GroupedSum(ctx context.Context) ([]GroupedValue, error)

	SumPreciseTotalAmountCents(ctx context.Context) (decimal.Decimal, error)
	GroupedSumPreciseTotalAmountCents(ctx context.Context) ([]GroupedValue, error)

	// ProratedSum scales the sum by the share of the billing period covered by the
	// boundaries. A non-nil persistedDuration replays a stored duration instead.
	ProratedSum(ctx context.Context, periodDuration int64, persistedDuration *int64) (decimal.Decimal, error)
	GroupedProratedSum(ctx context.Context, periodDuration int64, persistedDuration *int64) ([]GroupedValue, error)

	SumDateBreakdown(ctx context.Context) ([]DateValue, error)

	UniqueCount(ctx context.Context) (int64, error)
	GroupedUniqueCount(ctx context.Context) ([]GroupedValue, error)
	ProratedUniqueCount(ctx context.Context) (decimal.Decimal, error)
	GroupedProratedUniqueCount(ctx context.Context) ([]GroupedValue, error)
	ProratedUniqueCountBreakdown(ctx context.Context, withRemove bool) ([]UniqueCountBreakdown, error)

	WeightedSum(ctx context.Context, initialValue decimal.Decimal) (decimal.Decimal, error)
	GroupedWeightedSum(ctx context.Context, initialValues []GroupedValue) ([]GroupedValue, error)

	EventsValues(ctx context.Context, opts ValuesOptions) ([]decimal.Decimal, error)
	LastEvent(ctx context.Context) (*Event, error)
}
