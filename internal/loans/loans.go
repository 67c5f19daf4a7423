package loans

import (
	"fmt"
	"slices"
	"time"

	"bookaware/internal/components/chrono"
)

// DateLayout is the due date format used by the portal, day and month may omit the leading zero.
const DateLayout = "2.1.2006"

// ISODateLayout is how due dates are published.
const ISODateLayout = "2006-01-02"

// DueSoonDays is the window (in days, inclusive) for a loan to count as due soon.
const DueSoonDays = 5

// Record is a single borrowed item.
type Record struct {
	// DueDate is midnight UTC of the due calendar day.
	DueDate time.Time
	Library string
	Title   string
	Hint    string
}

// ParseDate parses a DD.MM.YYYY date into a calendar date.
func ParseDate(text string) (time.Time, error) {
	date, err := time.ParseInLocation(DateLayout, text, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse due date %q: %w", text, err)
	}
	return date, nil
}

// DaysLeft is the number of calendar days between `now` (in its own location) and the due date,
// negative when the item is overdue.
func (r Record) DaysLeft(now time.Time) int {
	return chrono.DaysBetween(now, r.DueDate)
}

func (r Record) ISODueDate() string {
	return r.DueDate.Format(ISODateLayout)
}

// Closest returns the record with the earliest due date, the first one wins ties.
func Closest(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	closest := records[0]
	for _, r := range records[1:] {
		if r.DueDate.Before(closest.DueDate) {
			closest = r
		}
	}
	return closest, true
}

// DueSoonCount counts records due on or before today + DueSoonDays, overdue items included.
func DueSoonCount(records []Record, now time.Time) int {
	count := 0
	for _, r := range records {
		if r.DaysLeft(now) <= DueSoonDays {
			count++
		}
	}
	return count
}

// SortedByDueDate returns a copy of the records ordered by due date, stable for equal dates.
func SortedByDueDate(records []Record) []Record {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b Record) int {
		return a.DueDate.Compare(b.DueDate)
	})
	return sorted
}

// Summary is the derived view of a record list at a point in time.
type Summary struct {
	EvaluatedAt time.Time
	Closest     *Record
	DueSoon     int
	Total       int
}

func Summarize(records []Record, now time.Time) Summary {
	s := Summary{
		EvaluatedAt: now,
		DueSoon:     DueSoonCount(records, now),
		Total:       len(records),
	}
	closest, ok := Closest(records)
	if ok {
		s.Closest = &closest
	}
	return s
}
