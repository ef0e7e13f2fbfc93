package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger yields the occurrence instants of a schedule entry.
type Trigger interface {
	// Next returns the first occurrence strictly after t, or the zero time
	// if there is none.
	Next(t time.Time) time.Time
	String() string
}

// Interval fires every Every, aligned to Anchor (the Unix epoch when zero).
type Interval struct {
	Every  time.Duration
	Anchor time.Time
}

func (i Interval) anchor() time.Time {
	if i.Anchor.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return i.Anchor
}

func (i Interval) Next(t time.Time) time.Time {
	if i.Every <= 0 {
		return time.Time{}
	}
	a := i.anchor()
	next := a.Add(t.Sub(a) / i.Every * i.Every)
	for !next.After(t) {
		next = next.Add(i.Every)
	}
	return next
}

// between counts the occurrences in (after, upTo] and returns the last one.
func (i Interval) between(after, upTo time.Time) (time.Time, int) {
	first := i.Next(after)
	if first.IsZero() || first.After(upTo) {
		return time.Time{}, 0
	}
	n := int(upTo.Sub(first)/i.Every) + 1
	return first.Add(time.Duration(n-1) * i.Every), n
}

func (i Interval) String() string { return "every " + i.Every.String() }

// cronParser accepts five-field expressions and descriptors like "@hourly".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Crontab fires on the minutes matched by all five of its fields. Unlike
// classic cron, a restricted day of month and day of week must both match.
type Crontab struct {
	expr  string
	sched *cron.SpecSchedule
}

// maxCronScan bounds the candidates examined while looking for an
// occurrence that matches every field.
const maxCronScan = 100000

// NewCrontab builds a trigger from crontab fields. Empty fields are
// wildcards. Each field takes a value, a list, a range or a */step.
func NewCrontab(minute, hour, dayOfWeek, dayOfMonth, monthOfYear string, loc *time.Location) (*Crontab, error) {
	fields := []string{minute, hour, dayOfMonth, monthOfYear, dayOfWeek}
	for i, f := range fields {
		if strings.TrimSpace(f) == "" {
			fields[i] = "*"
		}
	}
	return ParseCron(strings.Join(fields, " "), loc)
}

// ParseCron builds a trigger from a five-field cron expression
// (minute hour day-of-month month day-of-week) or a descriptor.
func ParseCron(expr string, loc *time.Location) (*Crontab, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("cron expression %q is not a calendar schedule", expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	spec.Location = loc
	return &Crontab{expr: expr, sched: spec}, nil
}

// Matches reports whether the minute containing t is an occurrence.
func (c *Crontab) Matches(t time.Time) bool {
	t = t.In(c.sched.Location)
	s := c.sched
	return bit(s.Minute, t.Minute()) &&
		bit(s.Hour, t.Hour()) &&
		bit(s.Dom, t.Day()) &&
		bit(s.Month, int(t.Month())) &&
		bit(s.Dow, int(t.Weekday()))
}

func bit(mask uint64, v int) bool { return mask&(1<<uint(v)) != 0 }

func (c *Crontab) Next(t time.Time) time.Time {
	next := t
	for i := 0; i < maxCronScan; i++ {
		next = c.sched.Next(next)
		if next.IsZero() {
			return next
		}
		if c.Matches(next) {
			return next.UTC()
		}
	}
	return time.Time{}
}

func (c *Crontab) Location() *time.Location { return c.sched.Location }

func (c *Crontab) String() string {
	return c.expr + " " + c.sched.Location.String()
}
