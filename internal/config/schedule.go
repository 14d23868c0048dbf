package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
)

// intervalUnits maps the long unit names accepted in interval strings onto durations.
var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseInterval parses human interval strings such as "5days", "600s", "10minutes",
// "1h30m" or "2 days 4 hours". Plain numbers are seconds.
func ParseInterval(value string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative interval %q", value)
		}
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}

	var total time.Duration
	rest := strings.ReplaceAll(s, ",", " ")
	for {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			break
		}

		numEnd := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsDigit(r) })
		if numEnd <= 0 {
			return 0, fmt.Errorf("invalid interval %q", value)
		}
		n, err := strconv.Atoi(rest[:numEnd])
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", value, err)
		}
		rest = strings.TrimLeftFunc(rest[numEnd:], unicode.IsSpace)

		unitEnd := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
		if unitEnd < 0 {
			unitEnd = len(rest)
		}
		unit, ok := intervalUnits[rest[:unitEnd]]
		if !ok {
			return 0, fmt.Errorf("invalid interval unit %q in %q", rest[:unitEnd], value)
		}
		total += time.Duration(n) * unit
		rest = rest[unitEnd:]
	}

	return total, nil
}

// intervalSchedule fires a fixed duration after the previous run.
type intervalSchedule time.Duration

// Next implements cron.Schedule.
func (s intervalSchedule) Next(last time.Time) time.Time {
	return last.Add(time.Duration(s))
}

// ParseSchedule accepts either an interval string or a cron expression
// ("@daily", "@every 1h", "0 3 * * *") and returns when the next run is due
// relative to the previous one.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if d, err := ParseInterval(spec); err == nil {
		return intervalSchedule(d), nil
	}

	schedule, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: neither interval nor cron expression", spec)
	}
	return schedule, nil
}
