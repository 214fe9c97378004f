package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule yields the next scheduled tick after a given time.
type Schedule interface {
	Next(time.Time) time.Time
}

// intervalSchedule ticks a fixed delay after the previous cycle ends.
// Unlike cron.Every it does not round to whole seconds.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// Every returns a Schedule that ticks d after each cycle.
func Every(d time.Duration) Schedule {
	return intervalSchedule{every: d}
}

// ParseSchedule builds the periodic schedule. A cron expression wins over
// the interval; timezone applies to cron expressions only.
func ParseSchedule(interval time.Duration, expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		if interval <= 0 {
			return nil, errors.New("schedule requires an interval or a cron expression")
		}
		return Every(interval), nil
	}

	if tz := strings.TrimSpace(timezone); tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	// robfig/cron returns the zero time for expressions that can never
	// match, such as the 30th of February.
	if schedule.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron expression %q never matches", expr)
	}
	return schedule, nil
}
