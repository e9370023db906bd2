// Package schedule triggers work once a day at a fixed wall-clock time.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Daily fires at Hour:Minute in Location every day.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Parse builds a Daily from "HH:MM" and an IANA zone name. An empty zone
// means UTC.
func Parse(at, tz string) (Daily, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(at), ":")
	if !ok {
		return Daily{}, fmt.Errorf("schedule time %q: want HH:MM", at)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return Daily{}, fmt.Errorf("schedule time %q: invalid hour", at)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return Daily{}, fmt.Errorf("schedule time %q: invalid minute", at)
	}

	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Daily{}, fmt.Errorf("schedule zone %q: %w", tz, err)
		}
	}
	return Daily{Hour: hour, Minute: minute, Location: loc}, nil
}

// String renders the schedule as "HH:MM Zone".
func (d Daily) String() string {
	return fmt.Sprintf("%02d:%02d %s", d.Hour, d.Minute, d.location())
}

// Next returns the first trigger strictly after now.
func (d Daily) Next(now time.Time) time.Time {
	local := now.In(d.location())
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, d.location())
	for !next.After(local) {
		local = local.AddDate(0, 0, 1)
		next = time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, d.location())
	}
	return next
}

// Run calls fn at every trigger until ctx is done. onNext, when set, is told
// each upcoming trigger before the wait starts. Run returns ctx.Err().
func (d Daily) Run(ctx context.Context, fn func(context.Context), onNext func(time.Time)) error {
	for {
		next := d.Next(time.Now())
		if onNext != nil {
			onNext(next)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			fn(ctx)
		}
	}
}

func (d Daily) location() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}
