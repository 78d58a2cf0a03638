// Package cron drives the billing cycle: one scheduling loop that runs the
// registered jobs on a schedule, guarded by a cycle lock so only one
// scheduler instance works a cycle at a time.
package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	robfig "github.com/robfig/cron/v3"

	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/metrics"
)

const defaultInterval = 5 * time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Clock    clockwork.Clock
	// Schedule defaults to every five minutes.
	Schedule robfig.Schedule
}

// Service executes registered jobs on a schedule.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	clock    clockwork.Clock
	schedule robfig.Schedule
}

// NewSchedule returns the cycle schedule: the standard five-field cron
// expression when set, otherwise a constant interval.
func NewSchedule(expression string, interval time.Duration) (robfig.Schedule, error) {
	if expr := strings.TrimSpace(expression); expr != "" {
		schedule, err := robfig.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
		}
		return schedule, nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return robfig.Every(interval), nil
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	schedule := params.Schedule
	if schedule == nil {
		schedule = robfig.Every(defaultInterval)
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		clock:    clock,
		schedule: schedule,
	}, nil
}

// Run executes one cycle immediately, then one per schedule slot until the
// context is canceled. Slots missed while a cycle was running are skipped.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "scheduled run failed", err)
	}

	for {
		now := s.clock.Now()
		timer := s.clock.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-timer.Chan():
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "scheduled run failed", err)
			}
		}
	}
}

// RunOnce executes a single cycle.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.runCycle(ctx)
}

func (s *Service) runCycle(ctx context.Context) error {
	ctx = s.logg.WithCycleID(ctx, uuid.NewString())
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.IncSkippedCycle()
		s.logg.Info(ctx, "another scheduler instance is running; skipping this cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()

	s.logg.Info(ctx, "scheduled run starting")
	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.runJob(ctx, job)
	}
	s.logg.Info(ctx, "scheduled run complete")
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithJob(ctx, job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")
	s.logg.Info(jobCtx, "job start")
	start := s.clock.Now()
	err := job.Run(jobCtx)
	duration := s.clock.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(s.logg.WithFields(jobCtx, pkgerrors.Dump(err).Fields()), "job failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
}
