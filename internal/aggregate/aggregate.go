// Package aggregate rolls raw case records into a calendar-complete daily
// series.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/TobiSchelling/rtestimate/internal/apperr"
	"github.com/TobiSchelling/rtestimate/internal/fetch"
)

// LagDays is the offset of the lagged positive count.
const LagDays = 7

// DateLayout formats series dates.
const DateLayout = "2006-01-02"

// Day is one calendar day of the series.
type Day struct {
	Date                time.Time
	NewPositive         int64
	NewRecovered        int64
	CumulativePositive  int64
	CumulativeRecovered int64
	LaggedPositive7d    int64
	WeekdayCode         int
}

// Series is a gap-free, date-ordered sequence of days.
type Series struct {
	Days []Day
}

// Len returns the number of days.
func (s *Series) Len() int {
	return len(s.Days)
}

// First returns the first date of the series.
func (s *Series) First() time.Time {
	return s.Days[0].Date
}

// Last returns the last date of the series.
func (s *Series) Last() time.Time {
	return s.Days[len(s.Days)-1].Date
}

// Aggregate groups observations by date, fills every missing calendar day
// with zero counts and derives the cumulative, lagged and weekday columns.
func Aggregate(obs []fetch.Observation) (*Series, error) {
	if len(obs) == 0 {
		return nil, apperr.DataQuality("aggregate", "no observations for the target region", nil)
	}

	type totals struct{ positive, recovered int64 }
	byDate := make(map[time.Time]*totals)
	for _, o := range obs {
		d := truncateDay(o.Date)
		t, ok := byDate[d]
		if !ok {
			t = &totals{}
			byDate[d] = t
		}
		t.positive += o.NewPositive
		t.recovered += o.NewRecovered
	}

	dates := make([]time.Time, 0, len(byDate))
	for d, t := range byDate {
		if t.positive < 0 || t.recovered < 0 {
			return nil, apperr.DataQuality("aggregate",
				fmt.Sprintf("negative daily total on %s (positive %d, recovered %d)", d.Format(DateLayout), t.positive, t.recovered), nil)
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	start, end := dates[0], dates[len(dates)-1]
	n := DaysBetween(start, end) + 1
	days := make([]Day, n)

	var cumPositive, cumRecovered int64
	for i := 0; i < n; i++ {
		date := start.AddDate(0, 0, i)
		var positive, recovered int64
		if t, ok := byDate[date]; ok {
			positive, recovered = t.positive, t.recovered
		}
		cumPositive += positive
		cumRecovered += recovered

		var lagged int64
		if i >= LagDays {
			lagged = days[i-LagDays].NewPositive
		}

		days[i] = Day{
			Date:                date,
			NewPositive:         positive,
			NewRecovered:        recovered,
			CumulativePositive:  cumPositive,
			CumulativeRecovered: cumRecovered,
			LaggedPositive7d:    lagged,
			WeekdayCode:         WeekdayCode(date),
		}
	}

	return &Series{Days: days}, nil
}

// WeekdayCode numbers weekdays 1..7 starting from Sunday (Sunday=1,
// Monday=2, ..., Saturday=7).
func WeekdayCode(t time.Time) int {
	return int(t.Weekday()) + 1
}

// DaysBetween returns the whole calendar days from start to end.
func DaysBetween(start, end time.Time) int {
	return int(truncateDay(end).Sub(truncateDay(start)).Hours() / 24)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
