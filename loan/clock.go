/*
clock.go - Time source and civil-date arithmetic

PURPOSE:
  All lateness decisions in the engine compare calendar days, not instants.
  A loan due "June 1" is late on June 2 at 00:00 in the library's timezone,
  regardless of the hour it was borrowed. CivilDate captures exactly that:
  a calendar day in the canonical zone (WIB, UTC+7), with no time-of-day.

KEY CONCEPTS:
  - Clock: injectable "now" so every date rule is testable with a fixed time
  - CivilDate: a day in the WIB calendar, normalized to midnight
  - DateOf: projects any instant onto its WIB calendar day

DESIGN PRINCIPLES:
  1. One canonical zone. Mixing local zones is how "due today" bugs happen.
  2. Day granularity everywhere: comparisons never see hours or minutes.
  3. Pure arithmetic: AddDays/DaysSince have no hidden clock access.

SEE ALSO:
  - status.go: uses CivilDate comparison for Overdue resolution
  - fine.go: uses DaysSince for late-day counting
*/
package loan

import "time"

// WIB is the canonical timezone for all civil-date math (UTC+7).
// Every view, worker, and store derives lateness against this zone.
var WIB = time.FixedZone("WIB", 7*60*60)

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock supplies "now". Production code uses SystemClock; tests pin a
// FixedClock so date rules are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. For tests.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// Fixed pins a clock to midnight WIB of the given calendar day.
func Fixed(year int, month time.Month, day int) FixedClock {
	return FixedClock{At: time.Date(year, month, day, 0, 0, 0, 0, WIB)}
}

// =============================================================================
// CIVIL DATE - Calendar day in WIB
// =============================================================================

// CivilDate is a calendar day in the canonical zone, normalized to midnight.
// The zero value is the zero date.
type CivilDate struct {
	t time.Time
}

// NewCivilDate builds the given WIB calendar day.
func NewCivilDate(year int, month time.Month, day int) CivilDate {
	return CivilDate{t: time.Date(year, month, day, 0, 0, 0, 0, WIB)}
}

// DateOf projects an instant onto its WIB calendar day.
func DateOf(at time.Time) CivilDate {
	y, m, d := at.In(WIB).Date()
	return NewCivilDate(y, m, d)
}

// ParseCivilDate parses a "2006-01-02" string as a WIB calendar day.
func ParseCivilDate(s string) (CivilDate, error) {
	t, err := time.ParseInLocation("2006-01-02", s, WIB)
	if err != nil {
		return CivilDate{}, err
	}
	return CivilDate{t: t}, nil
}

// Comparison
func (d CivilDate) Before(other CivilDate) bool        { return d.t.Before(other.t) }
func (d CivilDate) After(other CivilDate) bool         { return d.t.After(other.t) }
func (d CivilDate) Equal(other CivilDate) bool         { return d.t.Equal(other.t) }
func (d CivilDate) BeforeOrEqual(other CivilDate) bool { return !d.After(other) }
func (d CivilDate) AfterOrEqual(other CivilDate) bool  { return !d.Before(other) }

// Arithmetic
func (d CivilDate) AddDays(n int) CivilDate  { return CivilDate{t: d.t.AddDate(0, 0, n)} }
func (d CivilDate) AddWeeks(w int) CivilDate { return d.AddDays(7 * w) }

// DaysSince returns the whole calendar days from other to d.
// Negative when d is before other.
func (d CivilDate) DaysSince(other CivilDate) int {
	return int(d.t.Sub(other.t).Hours() / 24)
}

func (d CivilDate) IsZero() bool     { return d.t.IsZero() }
func (d CivilDate) Time() time.Time  { return d.t }
func (d CivilDate) String() string   { return d.t.Format("2006-01-02") }
