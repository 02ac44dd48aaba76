// Package pipeline runs the scheduled background jobs that sit outside the
// trading loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DayArchiver copies one day of journal rows to cold storage.
type DayArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (int, error)
}

// Archiver copies the previous trading day's journal to object storage on a
// cron schedule.
type Archiver struct {
	days   DayArchiver
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. Cron expressions and day boundaries are
// evaluated in loc.
func NewArchiver(days DayArchiver, loc *time.Location, logger *slog.Logger) *Archiver {
	if loc == nil {
		loc = time.UTC
	}
	return &Archiver{
		days:   days,
		loc:    loc,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// Run archives the day before today.
func (a *Archiver) Run(ctx context.Context) error {
	today := a.now().In(a.loc)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, a.loc).AddDate(0, 0, -1)

	a.logger.Info("starting archive run", slog.String("day", day.Format(time.DateOnly)))
	n, err := a.days.ArchiveDay(ctx, day)
	if err != nil {
		return fmt.Errorf("pipeline: archive %s: %w", day.Format(time.DateOnly), err)
	}
	a.logger.Info("archive run complete",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("rows", n),
	)
	return nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// A receive on trigger runs it immediately. It supports cron expressions in
// the standard 5-field format: "minute hour day-of-month month day-of-week",
// with lists and ranges.
//
// Example: "0 18 * * 1-5" runs at 18:00 on weekdays.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string, trigger <-chan struct{}) error {
	if _, err := parseCron(cronExpr); err != nil {
		return fmt.Errorf("pipeline: parse cron %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().In(a.loc))
		if err != nil {
			return fmt.Errorf("pipeline: next cron time: %w", err)
		}

		wait := time.Until(next)
		a.logger.Debug("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-trigger:
			timer.Stop()
		case <-timer.C:
		}
		if err := a.Run(ctx); err != nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15", "1-5")
// and checks every value against [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	var values []int
	for _, p := range strings.Split(field, ",") {
		p = strings.TrimSpace(p)
		from, to, isRange := strings.Cut(p, "-")
		start, err := strconv.Atoi(from)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(to); err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", p, err)
			}
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("cron value %q outside %d-%d", p, lo, hi)
		}
		for v := start; v <= end; v++ {
			values = append(values, v)
		}
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		parsed[i] = cf
	}

	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression, in after's location. It searches minute-by-minute up to
// one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
