package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Billing month (YYYY-MM)
// =============================================================================

// Month is a calendar month, the granularity invoices are cut at.
type Month struct {
	Year int
	Mon  time.Month
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Mon: t.Month()}, nil
}

// MonthOf returns the month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Mon: t.Month()}
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Mon))
}

// Start returns midnight UTC on the first day of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following month (exclusive bound).
func (m Month) End() time.Time {
	return m.Next().Start()
}

// Contains reports whether t falls inside the month.
func (m Month) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(m.Start()) && u.Before(m.End())
}

func (m Month) Next() Month { return MonthOf(m.Start().AddDate(0, 1, 0)) }
func (m Month) Prev() Month { return MonthOf(m.Start().AddDate(0, -1, 0)) }

func (m Month) IsZero() bool { return m.Year == 0 && m.Mon == 0 }

func (m Month) Equal(other Month) bool {
	return m.Year == other.Year && m.Mon == other.Mon
}
