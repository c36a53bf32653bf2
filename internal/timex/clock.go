package timex

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Layout is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps lexicographic order equal to chronological order, which
// the SQL comparisons rely on.
const Layout = "2006-01-02T15:04:05.000000Z"

// Format renders t in Layout.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(Layout)
}

// Parse reads a timestamp written by Format. RFC 3339 input is accepted too.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Clock is the source of "now" for every mutation. Tests swap in Manual.
type Clock interface {
	Now() time.Time
}

// System is a wall clock that never hands out the same microsecond twice,
// so two writes on one device always get distinct updated_at values.
type System struct {
	mu   sync.Mutex
	last time.Time
}

func NewSystem() *System { return &System{} }

func (c *System) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC().Truncate(time.Microsecond)}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Manual) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC().Truncate(time.Microsecond)
}

// Into returns an sql.Scanner that parses a stored timestamp into dst.
// NULL leaves dst untouched.
func Into(dst *time.Time) sql.Scanner { return scanTime{dst: dst} }

type scanTime struct{ dst *time.Time }

func (s scanTime) Scan(v any) error {
	var raw string
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		raw = value
	case []byte:
		raw = string(value)
	case time.Time:
		*s.dst = value.UTC()
		return nil
	default:
		return fmt.Errorf("timex: cannot scan %T into time", v)
	}
	t, err := Parse(raw)
	if err != nil {
		return err
	}
	*s.dst = t
	return nil
}
