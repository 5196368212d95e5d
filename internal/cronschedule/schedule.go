/*
Package cronschedule parses cron expressions with a seconds field and an
optional trailing year field:

	sec min hour day-of-month month day-of-week [year]

Predefined descriptors (@hourly, @daily, @every 1h, ...) are accepted too.
All calculations are done in UTC with one second precision.
*/
package cronschedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	minYear = 1970
	maxYear = 2100
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Schedule struct {
	expr  string
	sched cron.Schedule
	years yearSet
}

// Parse parses 6 or 7 field cron expression or a descriptor.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	s := &Schedule{expr: expr}
	spec := expr
	if !strings.HasPrefix(expr, "@") {
		fields := strings.Fields(expr)
		switch len(fields) {
		case 6:
		case 7:
			ys, err := parseYears(fields[6])
			if err != nil {
				return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
			}
			s.years = ys
			spec = strings.Join(fields[:6], " ")
		default:
			return nil, fmt.Errorf("invalid cron expression %q: expected 6 or 7 fields, got %d", expr, len(fields))
		}
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.sched = sched
	return s, nil
}

func (s *Schedule) String() string {
	return s.expr
}

// Next returns the first occurrence strictly after unix timestamp "after".
// Returns false when the schedule has no further occurrences.
func (s *Schedule) Next(after int64) (int64, bool) {
	t := time.Unix(after, 0).UTC()
	for {
		n := s.sched.Next(t)
		if n.IsZero() || n.Year() > maxYear {
			return 0, false
		}
		if s.years.contains(n.Year()) {
			return n.Unix(), true
		}
		ny, ok := s.years.next(n.Year())
		if !ok {
			return 0, false
		}
		t = time.Date(ny, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	}
}

// Upcoming returns at most n occurrences after the timestamp.
func (s *Schedule) Upcoming(after int64, n int) []int64 {
	var res []int64
	for len(res) < n {
		next, ok := s.Next(after)
		if !ok {
			break
		}
		res = append(res, next)
		after = next
	}
	return res
}

// Next is a shortcut for parsing the expression and calculating single occurrence.
func Next(expr string, after int64) (int64, bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return 0, false, err
	}
	ts, ok := s.Next(after)
	return ts, ok, nil
}

// yearSet is nil when any year matches.
type yearSet map[int]struct{}

func (ys yearSet) contains(y int) bool {
	if ys == nil {
		return true
	}
	_, ok := ys[y]
	return ok
}

func (ys yearSet) next(y int) (int, bool) {
	for c := y + 1; c <= maxYear; c++ {
		if ys.contains(c) {
			return c, true
		}
	}
	return 0, false
}

// parseYears supports "*", "Y", "A-B", "*/N", "A-B/N", "A/N" and comma separated lists of these.
func parseYears(field string) (yearSet, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}
	ys := yearSet{}
	for _, part := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			v, err := strconv.Atoi(stepStr)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid year step %q", stepStr)
			}
			step = v
		}
		lo, hi := minYear, maxYear
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = parseYear(a); err != nil {
				return nil, err
			}
			if hi, err = parseYear(b); err != nil {
				return nil, err
			}
			if lo > hi {
				return nil, fmt.Errorf("invalid year range %q", rng)
			}
		default:
			y, err := parseYear(rng)
			if err != nil {
				return nil, err
			}
			lo = y
			if !hasStep {
				hi = y
			}
		}
		for y := lo; y <= hi; y += step {
			ys[y] = struct{}{}
		}
	}
	return ys, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	if y < minYear || y > maxYear {
		return 0, fmt.Errorf("year %d out of range [%d, %d]", y, minYear, maxYear)
	}
	return y, nil
}
