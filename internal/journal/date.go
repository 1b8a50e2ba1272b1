package journal

import (
	"fmt"
	"time"
)

// DateFormat is the ISO-8601 day layout used everywhere on disk.
const DateFormat = "2006-01-02"

// Date represents a calendar day.
type Date struct {
	y int
	m time.Month
	d int
}

// NewDate returns a normalized Date for the given year, month, and day.
func NewDate(year int, month time.Month, day int) Date {
	y, m, d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Date()
	return Date{y, m, d}
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) Date { return NewDate(t.Date()) }

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustDate is ParseDate for literals; it panics on error.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(DateFormat)
}

// IsZero returns true if the date is the zero value.
func (d Date) IsZero() bool { return d.y == 0 && d.m == 0 && d.d == 0 }

// Before reports whether the day d is before x.
func (d Date) Before(x Date) bool { return d.Time().Before(x.Time()) }

// After reports whether the day d is after x.
func (d Date) After(x Date) bool { return d.Time().After(x.Time()) }

// AddDays returns the date n days later (or earlier when n is negative).
func (d Date) AddDays(n int) Date { return NewDate(d.y, d.m, d.d+n) }

// DaysBetween returns the absolute number of days between a and b.
func DaysBetween(a, b Date) int {
	days := int(a.Time().Sub(b.Time()).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
