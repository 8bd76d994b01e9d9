package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/shopspring/decimal"
)

// GroupedRow is one row of a grouped aggregate: the grouping columns in GroupedBy
// order followed by the aggregate rendered as text.
type GroupedRow struct {
	Groups    []*string
	Value     sql.NullString
	Timestamp sql.NullTime
}

// ScanGroupedRow decodes rows shaped as (g_0 .. g_n-1, value[, timestamp]).
func ScanGroupedRow(groupCount int, withTimestamp bool) func(RowScanner) (GroupedRow, error) {
	return func(row RowScanner) (GroupedRow, error) {
		groups := make([]sql.NullString, groupCount)
		dest := make([]interface{}, 0, groupCount+2)
		for i := range groups {
			dest = append(dest, &groups[i])
		}

		var out GroupedRow
		dest = append(dest, &out.Value)
		if withTimestamp {
			dest = append(dest, &out.Timestamp)
		}
		if err := row.Scan(dest...); err != nil {
			return GroupedRow{}, err
		}

		out.Groups = make([]*string, groupCount)
		for i, g := range groups {
			if g.Valid {
				v := g.String
				out.Groups[i] = &v
			}
		}
		return out, nil
	}
}

// ScanText decodes a single text column.
func ScanText(row RowScanner) (sql.NullString, error) {
	var v sql.NullString
	err := row.Scan(&v)
	return v, err
}

// ScanInt64 decodes a single integer column.
func ScanInt64(row RowScanner) (int64, error) {
	var v int64
	err := row.Scan(&v)
	return v, err
}

// ToGroupedValues maps grouped rows to results, keyed by the base's GroupedBy.
// A NULL aggregate becomes zero.
func ToGroupedValues(base *aggregation.Base, rows []GroupedRow) ([]aggregation.GroupedValue, error) {
	out := make([]aggregation.GroupedValue, 0, len(rows))
	for _, r := range rows {
		value := decimal.Zero
		if r.Value.Valid {
			parsed, err := decimal.NewFromString(r.Value.String)
			if err != nil {
				return nil, fmt.Errorf("decode grouped value %q: %w", r.Value.String, err)
			}
			value = parsed
		}

		gv := aggregation.GroupedValue{
			Groups: base.Groups(r.Groups),
			Value:  value,
		}
		if r.Timestamp.Valid {
			ts := r.Timestamp.Time.UTC()
			gv.Timestamp = &ts
		}
		out = append(out, gv)
	}
	return out, nil
}

// DecimalOrZero parses a text aggregate, treating NULL as zero.
func DecimalOrZero(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode aggregate %q: %w", v.String, err)
	}
	return d, nil
}

// NullDecimal parses a text aggregate, keeping NULL as "no events".
func NullDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	return aggregation.ParseNullDecimal(&v.String)
}

// DateRow is one day of a date breakdown.
type DateRow struct {
	Date  time.Time
	Value sql.NullString
}

// ScanDateRow decodes (day, value) rows.
func ScanDateRow(row RowScanner) (DateRow, error) {
	var r DateRow
	err := row.Scan(&r.Date, &r.Value)
	return r, err
}

// ToDateValues maps date rows to results.
func ToDateValues(rows []DateRow) ([]aggregation.DateValue, error) {
	out := make([]aggregation.DateValue, 0, len(rows))
	for _, r := range rows {
		v, err := DecimalOrZero(r.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, aggregation.DateValue{
			Date:  time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), 0, 0, 0, 0, time.UTC),
			Value: v,
		})
	}
	return out, nil
}
