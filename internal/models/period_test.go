package models

import (
	"errors"
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2024-03")
	if err != nil {
		t.Fatalf("ParsePeriod() error = %v", err)
	}
	if p.Year != 2024 || p.Month != time.March {
		t.Errorf("ParsePeriod() = %+v", p)
	}
	if p.String() != "2024-03" {
		t.Errorf("String() = %v, want 2024-03", p.String())
	}

	_, err = ParsePeriod("2024/03")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("ParsePeriod(bad) error = %v, want *ValidationError", err)
	}
}

func TestPeriod_Bounds(t *testing.T) {
	p := Period{Year: 2024, Month: time.February}

	if want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC); !p.FirstDay().Equal(want) {
		t.Errorf("FirstDay() = %v, want %v", p.FirstDay(), want)
	}
	if want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC); !p.LastDay().Equal(want) {
		t.Errorf("LastDay() = %v, want %v (leap year)", p.LastDay(), want)
	}
	if !p.Contains(time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)) {
		t.Error("Contains() should be true mid-month")
	}
	if p.Next().String() != "2024-03" || p.Prev().String() != "2024-01" {
		t.Errorf("Next/Prev = %v/%v", p.Next(), p.Prev())
	}
	if (Period{Year: 2023, Month: time.December}).Next().String() != "2024-01" {
		t.Error("Next() should roll the year")
	}
}

func TestTrailingPeriods(t *testing.T) {
	now := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	got := TrailingPeriods(now, 3)
	want := []string{"2023-11", "2023-12", "2024-01"}
	if len(got) != len(want) {
		t.Fatalf("TrailingPeriods() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("TrailingPeriods()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if TrailingPeriods(now, 0) != nil {
		t.Error("TrailingPeriods(0) should be nil")
	}
}
