// Package daterange turns a declarative date range into the calendar days an
// execution has to fetch.
package daterange

import (
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// MaxDays caps the number of days a single range may expand to.
const MaxDays = 366

type Type string

const (
	Rolling  Type = "rolling"
	Relative Type = "relative"
	Absolute Type = "absolute"
)

// Spec is the stored form of a range. Which fields apply depends on Type:
// rolling uses OffsetDays, relative uses Days, absolute uses Since and Until.
type Spec struct {
	Type       Type   `json:"type"`
	OffsetDays int    `json:"offsetDays,omitempty"`
	Days       int    `json:"days,omitempty"`
	Since      string `json:"since,omitempty"`
	Until      string `json:"until,omitempty"`
}

var ErrInvalidSpec = errors.New("invalid date range")

// InvalidRangeError is returned for an absolute range whose end precedes its start.
type InvalidRangeError struct {
	Since Date
	Until Date
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid date range: until %s is before since %s", e.Until, e.Since)
}

// Date is a calendar day without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(value string) (Date, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrInvalidSpec, value)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) Before(other Date) bool {
	return d.In(time.UTC).Before(other.In(time.UTC))
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Validate checks the spec without a reference instant.
func Validate(spec Spec) error {
	_, err := Resolve(spec, time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC)
	return err
}

// Resolve expands spec relative to the calendar day of ref in loc. The result
// is ordered earliest first and contains no duplicates. relative ranges end
// yesterday, so a run never fetches a day that is still in progress.
func Resolve(spec Spec, ref time.Time, loc *time.Location) ([]Date, error) {
	if loc == nil {
		loc = time.UTC
	}
	today := DateOf(ref.In(loc))

	switch spec.Type {
	case Rolling:
		if spec.OffsetDays < 0 {
			return nil, fmt.Errorf("%w: offsetDays must not be negative", ErrInvalidSpec)
		}
		return []Date{today.AddDays(-spec.OffsetDays)}, nil

	case Relative:
		if spec.Days < 1 {
			return nil, fmt.Errorf("%w: days must be at least 1", ErrInvalidSpec)
		}
		if spec.Days > MaxDays {
			return nil, fmt.Errorf("%w: days must not exceed %d", ErrInvalidSpec, MaxDays)
		}
		end := today.AddDays(-1)
		return span(end.AddDays(-(spec.Days - 1)), spec.Days), nil

	case Absolute:
		since, err := ParseDate(spec.Since)
		if err != nil {
			return nil, err
		}
		until, err := ParseDate(spec.Until)
		if err != nil {
			return nil, err
		}
		if until.Before(since) {
			return nil, &InvalidRangeError{Since: since, Until: until}
		}
		days := int(until.In(time.UTC).Sub(since.In(time.UTC)).Hours()/24) + 1
		if days > MaxDays {
			return nil, fmt.Errorf("%w: range spans %d days, maximum is %d", ErrInvalidSpec, days, MaxDays)
		}
		return span(since, days), nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSpec, spec.Type)
	}
}

func span(start Date, n int) []Date {
	dates := make([]Date, 0, n)
	for i := 0; i < n; i++ {
		dates = append(dates, start.AddDays(i))
	}
	return dates
}
