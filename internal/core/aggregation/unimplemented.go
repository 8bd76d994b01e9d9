package aggregation

import (
	"context"

	coreerrors "github.com/aevon-lab/usage-engine/internal/core/errors"
	"github.com/shopspring/decimal"
)

// Unimplemented answers every Store operation with an UnsupportedOperationError.
// Engines embed it and override the operations they implement; the capability set
// they pass must list exactly those overrides.
type Unimplemented struct {
	name string
	caps Capabilities
}

// NewUnimplemented builds the fallback for an engine.
func NewUnimplemented(engine string, caps Capabilities) Unimplemented {
	return Unimplemented{name: engine, caps: caps}
}

func (u Unimplemented) Engine() string             { return u.name }
func (u Unimplemented) Supports(op Operation) bool { return u.caps.Has(op) }

func (u Unimplemented) unsupported(op Operation) error {
	return coreerrors.Unsupported(u.name, string(op))
}

func (u Unimplemented) Count(context.Context) (int64, error) { return 0, u.unsupported(OpCount) }

func (u Unimplemented) GroupedCount(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedCount)
}

func (u Unimplemented) Max(context.Context) (decimal.NullDecimal, error) {
	return decimal.NullDecimal{}, u.unsupported(OpMax)
}

func (u Unimplemented) GroupedMax(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedMax)
}

func (u Unimplemented) Last(context.Context) (decimal.NullDecimal, error) {
	return decimal.NullDecimal{}, u.unsupported(OpLast)
}

func (u Unimplemented) GroupedLast(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedLast)
}

func (u Unimplemented) Sum(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, u.unsupported(OpSum)
}

func (u Unimplemented) GroupedSum(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedSum)
}

func (u Unimplemented) SumPreciseTotalAmountCents(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, u.unsupported(OpSumPreciseTotalAmountCents)
}

func (u Unimplemented) GroupedSumPreciseTotalAmountCents(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedSumPreciseTotalAmountCents)
}

func (u Unimplemented) ProratedSum(context.Context, int64, *int64) (decimal.Decimal, error) {
	return decimal.Zero, u.unsupported(OpProratedSum)
}

func (u Unimplemented) GroupedProratedSum(context.Context, int64, *int64) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedProratedSum)
}

func (u Unimplemented) SumDateBreakdown(context.Context) ([]DateValue, error) {
	return nil, u.unsupported(OpSumDateBreakdown)
}

func (u Unimplemented) UniqueCount(context.Context) (int64, error) {
	return 0, u.unsupported(OpUniqueCount)
}

func (u Unimplemented) GroupedUniqueCount(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedUniqueCount)
}

func (u Unimplemented) ProratedUniqueCount(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, u.unsupported(OpProratedUniqueCount)
}

func (u Unimplemented) GroupedProratedUniqueCount(context.Context) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedProratedUniqueCount)
}

func (u Unimplemented) ProratedUniqueCountBreakdown(context.Context, bool) ([]UniqueCountBreakdown, error) {
	return nil, u.unsupported(OpProratedUniqueCountBreakdown)
}

func (u Unimplemented) WeightedSum(context.Context, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, u.unsupported(OpWeightedSum)
}

func (u Unimplemented) GroupedWeightedSum(context.Context, []GroupedValue) ([]GroupedValue, error) {
	return nil, u.unsupported(OpGroupedWeightedSum)
}

func (u Unimplemented) EventsValues(context.Context, ValuesOptions) ([]decimal.Decimal, error) {
	return nil, u.unsupported(OpEventsValues)
}

func (u Unimplemented) LastEvent(context.Context) (*Event, error) {
	return nil, u.unsupported(OpLastEvent)
}
