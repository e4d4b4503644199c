// Package schedule computes the next run instant of a weekly recurrence rule.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// scanWindow bounds the forward search. Any valid rule matches within a week,
// so running out of window means the rule itself is broken.
const scanWindow = 14 * 24 * time.Hour

var (
	ErrNoMatch     = errors.New("schedule: no matching instant within scan window")
	ErrInvalidRule = errors.New("schedule: invalid rule")
)

var hhmmRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Rule fires on every listed weekday at Hour:Minute local to Location.
type Rule struct {
	Days     []int
	Hour     int
	Minute   int
	Location *time.Location
}

// NormalizeDays keeps unique weekdays in 0..6, sorted ascending.
func NormalizeDays(days []int) []int {
	seen := make(map[int]bool, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if d < 0 || d > 6 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// ParseTime validates a 24-hour HH:MM string.
func ParseTime(value string) (hour, minute int, err error) {
	value = strings.TrimSpace(value)
	if !hhmmRe.MatchString(value) {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRule, value)
	}
	hour, _ = strconv.Atoi(value[:2])
	minute, _ = strconv.Atoi(value[3:])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q out of range", ErrInvalidRule, value)
	}
	return hour, minute, nil
}

// LoadLocation resolves an IANA zone name through the runtime tz database.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty timezone", ErrInvalidRule)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidRule, name, err)
	}
	return loc, nil
}

// ParseRule validates raw recurrence fields and builds a Rule.
func ParseRule(days []int, hhmm, timezone string) (Rule, error) {
	for _, d := range days {
		if d < 0 || d > 6 {
			return Rule{}, fmt.Errorf("%w: weekday %d outside 0-6", ErrInvalidRule, d)
		}
	}
	nd := NormalizeDays(days)
	if len(nd) == 0 {
		return Rule{}, fmt.Errorf("%w: at least one weekday is required", ErrInvalidRule)
	}
	hour, minute, err := ParseTime(hhmm)
	if err != nil {
		return Rule{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Days: nd, Hour: hour, Minute: minute, Location: loc}, nil
}

// NextRun returns the soonest instant strictly after ref whose local weekday
// and time match r. The scan starts at the next whole minute after ref.
func NextRun(r Rule, ref time.Time) (time.Time, error) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	days := make(map[time.Weekday]bool, len(r.Days))
	for _, d := range r.Days {
		days[time.Weekday(d)] = true
	}
	if len(days) == 0 {
		return time.Time{}, ErrNoMatch
	}

	start := ref.UTC().Truncate(time.Minute).Add(time.Minute)
	checks := int(scanWindow / time.Minute)
	for i := 0; i < checks; i++ {
		candidate := start.Add(time.Duration(i) * time.Minute)
		local := candidate.In(loc)
		if !days[local.Weekday()] {
			continue
		}
		if local.Hour() == r.Hour && local.Minute() == r.Minute {
			return candidate, nil
		}
	}
	return time.Time{}, ErrNoMatch
}
