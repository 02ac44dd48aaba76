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

type fakeDays struct {
	days []time.Time
	err  error
	ran  chan struct{}
}

func (f *fakeDays) ArchiveDay(_ context.Context, day time.Time) (int, error) {
	f.days = append(f.days, day)
	if f.ran != nil {
		f.ran <- struct{}{}
	}
	return 3, f.err
}

var ist = time.FixedZone("IST", 5*3600+1800)

func newArchiver(days DayArchiver) *Archiver {
	return NewArchiver(days, ist, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunArchivesPreviousLocalDay(t *testing.T) {
	days := &fakeDays{}
	a := newArchiver(days)
	// 20:00 UTC on the 10th is already the 11th in IST.
	a.now = func() time.Time { return time.Date(2024, 12, 10, 20, 0, 0, 0, time.UTC) }

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, days.days, 1)
	assert.Equal(t, time.Date(2024, 12, 10, 0, 0, 0, 0, ist), days.days[0])
}

func TestRunWrapsArchiveError(t *testing.T) {
	a := newArchiver(&fakeDays{err: errors.New("bucket gone")})
	a.now = func() time.Time { return time.Date(2024, 12, 10, 12, 0, 0, 0, ist) }

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive 2024-12-09")
}

func TestRunCronTrigger(t *testing.T) {
	days := &fakeDays{ran: make(chan struct{}, 1)}
	a := newArchiver(days)
	trigger := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.RunCron(ctx, "0 0 1 1 *", trigger) }()

	trigger <- struct{}{}
	select {
	case <-days.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run the archiver")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunCronRejectsBadExpression(t *testing.T) {
	a := newArchiver(&fakeDays{})
	err := a.RunCron(context.Background(), "0 25 * * *", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hour")
}

func TestNextCronTime(t *testing.T) {
	// Friday 2024-12-13 18:30 IST.
	after := time.Date(2024, 12, 13, 18, 30, 0, 0, ist)

	next, err := nextCronTime("0 18 * * 1-5", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 16, 18, 0, 0, 0, ist), next, "skips the weekend")

	next, err = nextCronTime("15,45 * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 13, 18, 45, 0, 0, ist), next)

	_, err = nextCronTime("* * *", after)
	assert.Error(t, err)

	_, err = nextCronTime("5-1 * * * *", after)
	assert.Error(t, err)
}
