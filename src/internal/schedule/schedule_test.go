package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunFollowingWeek(t *testing.T) {
	rule, err := ParseRule([]int{1}, "09:00", "UTC")
	require.NoError(t, err)

	// 2026-10-12 is a Monday.
	now := time.Date(2026, 10, 12, 9, 1, 0, 0, time.UTC)
	next, err := NextRun(rule, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRunNeverReturnsReference(t *testing.T) {
	rule, err := ParseRule([]int{1}, "09:00", "UTC")
	require.NoError(t, err)

	now := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	next, err := NextRun(rule, now)
	require.NoError(t, err)
	assert.True(t, next.After(now))
	assert.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), next)

	justBefore := time.Date(2026, 10, 12, 8, 59, 30, 0, time.UTC)
	next, err = NextRun(rule, justBefore)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRunProperties(t *testing.T) {
	zones := []string{"UTC", "America/Argentina/Buenos_Aires", "Asia/Kolkata", "Europe/Berlin"}
	refs := []time.Time{
		time.Date(2026, 3, 29, 0, 30, 0, 0, time.UTC),
		time.Date(2026, 10, 16, 13, 47, 12, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
	}
	rules := []struct {
		days []int
		hhmm string
	}{
		{[]int{0}, "00:00"},
		{[]int{1, 3, 5}, "09:30"},
		{[]int{6}, "23:59"},
		{[]int{0, 1, 2, 3, 4, 5, 6}, "12:15"},
	}

	for _, tz := range zones {
		for _, rr := range rules {
			rule, err := ParseRule(rr.days, rr.hhmm, tz)
			require.NoError(t, err)
			for _, ref := range refs {
				next, err := NextRun(rule, ref)
				require.NoError(t, err, "tz=%s rule=%v ref=%s", tz, rr, ref)
				assert.True(t, next.After(ref))

				local := next.In(rule.Location)
				assert.Contains(t, rule.Days, int(local.Weekday()))
				assert.Equal(t, rule.Hour, local.Hour())
				assert.Equal(t, rule.Minute, local.Minute())

				again, err := NextRun(rule, ref)
				require.NoError(t, err)
				assert.Equal(t, next, again)
			}
		}
	}
}

func TestNextRunRespectsTimezone(t *testing.T) {
	rule, err := ParseRule([]int{5}, "08:00", "America/Argentina/Buenos_Aires")
	require.NoError(t, err)

	// Friday 2026-10-16 10:00 UTC is 07:00 in Buenos Aires (UTC-3).
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	next, err := NextRun(rule, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC), next)
}

func TestParseRuleValidation(t *testing.T) {
	cases := []struct {
		name string
		days []int
		hhmm string
		tz   string
	}{
		{"no days", nil, "09:00", "UTC"},
		{"weekday out of range", []int{7}, "09:00", "UTC"},
		{"negative weekday", []int{-1}, "09:00", "UTC"},
		{"bad format", []int{1}, "9:00", "UTC"},
		{"hour out of range", []int{1}, "24:00", "UTC"},
		{"minute out of range", []int{1}, "10:60", "UTC"},
		{"unknown zone", []int{1}, "09:00", "Mars/Olympus"},
		{"empty zone", []int{1}, "09:00", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRule(tc.days, tc.hhmm, tc.tz)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRule))
		})
	}
}

func TestNormalizeDays(t *testing.T) {
	assert.Equal(t, []int{0, 3, 6}, NormalizeDays([]int{6, 3, 3, 0, 9, -2}))
}

func TestNextRunEmptyRule(t *testing.T) {
	_, err := NextRun(Rule{Hour: 9}, time.Now())
	assert.ErrorIs(t, err, ErrNoMatch)
}
