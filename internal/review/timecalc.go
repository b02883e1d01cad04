package review

import (
	"math"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// InProgress is shown in place of a missing timestamp or duration.
const InProgress = "In Progress"

// DaysBetween returns (end-start) in days rounded to two decimals. It reports
// false when either end is missing; a missing end is never a zero duration.
func DaysBetween(start, end int64) (Days, bool) {
	if start == 0 || end == 0 {
		return 0, false
	}
	days := float64(end-start) / secondsPerDay
	return Days(math.Round(days*100) / 100), true
}

// FormatDateTime renders ts as "YYYY/MM/DD HH:MM:SS" in loc, or InProgress
// when ts is zero. A nil loc means local time.
func FormatDateTime(ts int64, loc *time.Location) string {
	if ts == 0 {
		return InProgress
	}
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(ts, 0).In(loc).Format("2006/01/02 15:04:05")
}

// FormatDays renders an optional duration as "N.NN days" or InProgress.
func FormatDays(d *Days) string {
	if d == nil {
		return InProgress
	}
	return d.String() + " days"
}
