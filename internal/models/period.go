package models

import (
	"fmt"
	"time"
)

// Period is a monthly reporting period (YYYY-MM).
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYY-MM"
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Value: s, Message: "invalid period, expected YYYY-MM"}
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String renders the period as YYYY-MM
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// IsZero reports whether p is unset
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// FirstDay is the first calendar day of the period, UTC
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// LastDay is the last calendar day of the period, UTC
func (p Period) LastDay() time.Time {
	return p.FirstDay().AddDate(0, 1, -1)
}

// Contains reports whether t falls within the period
func (p Period) Contains(t time.Time) bool {
	return t.Year() == p.Year && t.Month() == p.Month
}

// Next returns the following month
func (p Period) Next() Period {
	return PeriodOf(p.FirstDay().AddDate(0, 1, 0))
}

// Prev returns the preceding month
func (p Period) Prev() Period {
	return PeriodOf(p.FirstDay().AddDate(0, -1, 0))
}

// TrailingPeriods returns the n complete months before now, oldest first.
// The month containing now is excluded since it is not yet published.
func TrailingPeriods(now time.Time, n int) []Period {
	if n <= 0 {
		return nil
	}
	periods := make([]Period, n)
	p := PeriodOf(now)
	for i := n - 1; i >= 0; i-- {
		p = p.Prev()
		periods[i] = p
	}
	return periods
}

// ParsePeriods parses a list of YYYY-MM strings preserving order
func ParsePeriods(values []string) ([]Period, error) {
	periods := make([]Period, 0, len(values))
	for _, v := range values {
		p, err := ParsePeriod(v)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, nil
}
