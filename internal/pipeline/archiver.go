// Package pipeline schedules the background jobs of the ledger daemon.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// ArchiveJob periodically moves audit entries older than the retention window
// to cold storage.
type ArchiveJob struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
	trigger       chan struct{}
}

// NewArchiveJob creates a new ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive_job")),
		now:           time.Now,
		trigger:       make(chan struct{}, 1),
	}
}

// Trigger returns a channel that requests one extra run between scheduled
// ones. At most one request is buffered.
func (j *ArchiveJob) Trigger() chan<- struct{} { return j.trigger }

// Cutoff returns the creation time before which audit entries are archived.
func (j *ArchiveJob) Cutoff() time.Time {
	return j.now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
}

// Run executes a single archive run and returns the number of entries moved.
func (j *ArchiveJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.Cutoff()
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	n, err := j.archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pipeline: archive audit before %v: %w", cutoff, err)
	}
	j.logger.InfoContext(ctx, "archive run complete", slog.Int64("audit_archived", n))
	return n, nil
}

// RunEvery runs the job immediately and then on every interval tick until the
// context is cancelled. Failed runs are logged and retried on the next tick.
func (j *ArchiveJob) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("pipeline: archive interval must be positive, got %v", interval)
	}
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("archive job stopped")
			return ctx.Err()
		case <-ticker.C:
			j.runLogged(ctx)
		case <-j.trigger:
			j.runLogged(ctx)
		}
	}
}

// RunCron runs the job on a cron schedule until the context is cancelled.
// It supports 5-field expressions: "minute hour day-of-month month
// day-of-week". Each field is "*", a number, a range "a-b", a step "*/n", or
// a comma-separated list of these.
//
// Example: "0 3 * * *" runs at 03:00 UTC every day.
func (j *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	j.logger.InfoContext(ctx, "archive cron started", slog.String("cron", expr))

	for {
		next, err := sched.next(j.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", expr, err)
		}
		wait := time.Until(next)
		j.logger.DebugContext(ctx, "archive job waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("archive cron stopped")
			return ctx.Err()
		case <-timer.C:
			j.runLogged(ctx)
		case <-j.trigger:
			timer.Stop()
			j.runLogged(ctx)
		}
	}
}

func (j *ArchiveJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
	}
}

// cronField is a set of accepted values for one cron position.
type cronField struct {
	wildcard bool
	values   map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.wildcard || f.values[v]
}

// parseCronField parses one field within [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	out := cronField{values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			step = n
			part = base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q: %w", part, err)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("value %q outside %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			out.values[v] = true
		}
	}
	return out, nil
}

type cronSchedule struct {
	minute, hour, dayOfMonth, month, dayOfWeek cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("%s field: %w", names[i], err)
		}
		parsed[i] = cf
	}
	return cronSchedule{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// next returns the first minute strictly after 'after' that matches,
// searching at most one year ahead.
func (c cronSchedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within one year")
}
