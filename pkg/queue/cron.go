package queue

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions plus descriptors like
// @hourly and @every 5m.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression and returns its schedule.
// Returns ErrInvalidCron (joined with the parser's diagnostic) on failure.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, ErrInvalidCron
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidCron, err)
	}
	return sched, nil
}

// NextCronTime returns the next activation of expr strictly after from
func NextCronTime(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
