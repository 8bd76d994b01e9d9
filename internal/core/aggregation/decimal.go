package aggregation

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// NumericPattern is the strict decimal shape a property must have to take part in
// numeric aggregates. It is written with bracket classes so the same pattern can be
// bound as a parameter for both the Postgres `~` operator and ClickHouse match().
const NumericPattern = `^-?[0-9]+(\.[0-9]+)?$`

var numericRe = regexp.MustCompile(NumericPattern)

// IsNumeric reports whether s passes the strict decimal check.
func IsNumeric(s string) bool {
	return numericRe.MatchString(s)
}

// ParseNumeric converts a property value into a decimal. Values that fail the strict
// check report ok=false; they are excluded from numeric aggregates rather than raised.
func ParseNumeric(s string) (decimal.Decimal, bool) {
	if !IsNumeric(s) {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseNullDecimal parses a textual aggregate result. An empty or NULL value yields an
// invalid NullDecimal, which callers treat as "no events".
func ParseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil || *s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
