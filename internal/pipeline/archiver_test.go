package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	cutoffs []time.Time
	err     error
}

func (f *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiveJob_RunUsesRetentionCutoff(t *testing.T) {
	t.Parallel()
	fa := &fakeArchiver{}
	job := NewArchiveJob(fa, 30, discard())
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, fa.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), fa.cutoffs[0])
}

func TestArchiveJob_RunWrapsError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	job := NewArchiveJob(&fakeArchiver{err: boom}, 1, discard())

	_, err := job.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pipeline: archive audit")
}

func TestArchiveJob_RunEveryRunsImmediately(t *testing.T) {
	t.Parallel()
	fa := &fakeArchiver{}
	job := NewArchiveJob(fa, 1, discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := job.RunEvery(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fa.cutoffs, 1)
}

func TestArchiveJob_RunEveryRejectsZeroInterval(t *testing.T) {
	t.Parallel()
	job := NewArchiveJob(&fakeArchiver{}, 1, discard())
	require.Error(t, job.RunEvery(context.Background(), 0))
}

func TestArchiveJob_RunCronRejectsBadExpression(t *testing.T) {
	t.Parallel()
	job := NewArchiveJob(&fakeArchiver{}, 1, discard())
	err := job.RunCron(context.Background(), "0 3 * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 5 fields")
}

func TestCron_Next(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 5, 10, 7, 30, 0, time.UTC) // Monday

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", time.Date(2026, 1, 5, 10, 8, 0, 0, time.UTC)},
		{"daily at 03:00", "0 3 * * *", time.Date(2026, 1, 6, 3, 0, 0, 0, time.UTC)},
		{"quarter hours", "*/15 * * * *", time.Date(2026, 1, 5, 10, 15, 0, 0, time.UTC)},
		{"weekday range", "30 9 * * 2-5", time.Date(2026, 1, 6, 9, 30, 0, 0, time.UTC)},
		{"list", "5,50 10 * * *", time.Date(2026, 1, 5, 10, 50, 0, 0, time.UTC)},
		{"first of month", "0 0 1 * *", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sched, err := parseCron(tc.expr)
			require.NoError(t, err)
			got, err := sched.next(base)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCron_ParseErrors(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	} {
		_, err := parseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestArchiveJob_TriggerRunsOutOfSchedule(t *testing.T) {
	t.Parallel()
	fa := &syncArchiver{runs: make(chan time.Time, 4)}
	job := NewArchiveJob(fa, 1, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- job.RunEvery(ctx, time.Hour) }()

	<-fa.runs // immediate run
	job.Trigger() <- struct{}{}
	select {
	case <-fa.runs:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered run did not happen")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

type syncArchiver struct {
	runs chan time.Time
}

func (s *syncArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	s.runs <- before
	return 0, nil
}
