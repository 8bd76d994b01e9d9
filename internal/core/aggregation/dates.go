package aggregation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CeilSecond rounds t up to the next whole second. Weighted sums use it for the end of
// the last interval so that a sub-second ToDatetime does not truncate that interval.
func CeilSecond(t time.Time) time.Time {
	truncated := t.Truncate(time.Second)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Second)
}

// DayCount returns the number of calendar days covered by [from, to] in loc, both ends
// included. Day boundaries follow loc, not the server timezone.
func DayCount(from, to time.Time, loc *time.Location) int64 {
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int64(end.Sub(start)/(24*time.Hour)) + 1
}

// ProrationRatio is ((days(to) - days(from)) + 1) / periodDuration in loc.
func ProrationRatio(from, to time.Time, loc *time.Location, periodDuration int64) (decimal.Decimal, error) {
	if periodDuration <= 0 {
		return decimal.Zero, fmt.Errorf("period duration must be > 0, got %d", periodDuration)
	}
	return decimal.NewFromInt(DayCount(from, to, loc)).Div(decimal.NewFromInt(periodDuration)), nil
}

// PersistedRatio replays a previously stored duration: persisted / periodDuration.
func PersistedRatio(persistedDuration, periodDuration int64) (decimal.Decimal, error) {
	if periodDuration <= 0 {
		return decimal.Zero, fmt.Errorf("period duration must be > 0, got %d", periodDuration)
	}
	return decimal.NewFromInt(persistedDuration).Div(decimal.NewFromInt(periodDuration)), nil
}
