package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/chainbill/pkg/logger"
)

type fakeLock struct {
	acquired bool
	denied   bool
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.denied || f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name string
	err  error
	runs int
	ran  chan struct{}
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.ran != nil {
		t.ran <- struct{}{}
	}
	return t.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test"})
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	registry, err := NewRegistry(failure, success)
	require.NoError(t, err)
	lock := &fakeLock{}
	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: registry,
		Lock:     lock,
	})
	require.NoError(t, err)

	require.NoError(t, service.RunOnce(context.Background()))
	require.Equal(t, 1, failure.runs)
	require.Equal(t, 1, success.runs)
	require.False(t, lock.acquired, "lock released after the cycle")
}

func TestServiceSkipsCycleWhenLockHeld(t *testing.T) {
	job := &testJob{name: "due-payments"}
	registry, err := NewRegistry(job)
	require.NoError(t, err)
	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: registry,
		Lock:     &fakeLock{denied: true},
	})
	require.NoError(t, err)

	require.NoError(t, service.RunOnce(context.Background()))
	require.Zero(t, job.runs)
}

func TestServiceRunFollowsSchedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC))
	job := &testJob{name: "due-payments", ran: make(chan struct{}, 4)}
	registry, err := NewRegistry(job)
	require.NoError(t, err)
	schedule, err := NewSchedule("", 5*time.Minute)
	require.NoError(t, err)
	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: registry,
		Lock:     &LocalLock{},
		Clock:    clock,
		Schedule: schedule,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	awaitRun(t, waitCtx, job.ran)
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
		clock.Advance(4 * time.Minute)
		select {
		case <-job.ran:
			t.Fatalf("job ran before its slot")
		default:
		}
		clock.Advance(time.Minute)
		awaitRun(t, waitCtx, job.ran)
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-waitCtx.Done():
		t.Fatalf("service did not stop")
	}
}

func awaitRun(t *testing.T, ctx context.Context, ran <-chan struct{}) {
	t.Helper()
	select {
	case <-ran:
	case <-ctx.Done():
		t.Fatalf("job did not run")
	}
}

func TestNewSchedule(t *testing.T) {
	from := time.Date(2026, 10, 1, 10, 2, 0, 0, time.UTC)

	schedule, err := NewSchedule("*/5 * * * *", 0)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 1, 10, 5, 0, 0, time.UTC), schedule.Next(from))

	schedule, err = NewSchedule("", 0)
	require.NoError(t, err)
	require.Equal(t, from.Add(5*time.Minute), schedule.Next(from))

	_, err = NewSchedule("every tuesday", 0)
	require.Error(t, err)
}
