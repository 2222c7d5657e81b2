package scheduler

import (
	"time"

	"checkinbot/internal/domain"
)

// dailySchedule fires once a day at a fixed wall-clock time.
type dailySchedule struct {
	at  domain.TimeOfDay
	loc *time.Location
}

func (d dailySchedule) Next(t time.Time) time.Time {
	t = t.In(d.loc)
	next := time.Date(t.Year(), t.Month(), t.Day(), d.at.Hour, d.at.Minute, d.at.Second, d.at.Nanosecond, d.loc)
	if !next.After(t) {
		next = time.Date(t.Year(), t.Month(), t.Day()+1, d.at.Hour, d.at.Minute, d.at.Second, d.at.Nanosecond, d.loc)
	}
	return next
}

// onceSchedule fires at a single instant. After that it reports the zero
// time, which cron treats as never.
type onceSchedule struct {
	at time.Time
}

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
