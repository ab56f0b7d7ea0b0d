package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
)

const defaultSchedule = "@every 15m"

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	// Schedule is a robfig spec ("@every 15m", "0 */2 * * *").
	Schedule string
	// RunOnStart triggers one cycle before the first scheduled tick.
	RunOnStart bool
}

// Service runs every registered job on a cron schedule under a shared lock.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.CronJobMetrics
	schedule   robfig.Schedule
	spec       string
	runOnStart bool
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry, _ = NewRegistry()
	}
	spec := params.Schedule
	if spec == "" {
		spec = defaultSchedule
	}
	schedule, err := robfig.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron schedule %q: %w", spec, err)
	}
	return &Service{
		logg:       params.Logger,
		registry:   registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		schedule:   schedule,
		spec:       spec,
		runOnStart: params.RunOnStart,
	}, nil
}

// Run blocks until ctx is cancelled, then waits for a running cycle to end.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	scheduler := robfig.New(
		robfig.WithLocation(time.UTC),
		robfig.WithChain(robfig.SkipIfStillRunning(robfig.DiscardLogger)),
	)
	scheduler.Schedule(s.schedule, robfig.FuncJob(func() {
		if err := s.RunCycle(ctx); err != nil {
			s.logg.Error(ctx, "scheduled run failed", err)
		}
	}))

	if s.runOnStart {
		if err := s.RunCycle(ctx); err != nil {
			s.logg.Error(ctx, "startup run failed", err)
		}
	}

	scheduler.Start()
	s.logg.Info(s.logg.WithField(ctx, "schedule", s.spec), "cron scheduler started")

	<-ctx.Done()
	stopped := scheduler.Stop()
	<-stopped.Done()
	s.logg.Info(ctx, "cron scheduler stopped")
	return ctx.Err()
}

// RunCycle runs every job once if this instance wins the lock. A failing
// job does not stop the ones after it.
func (s *Service) RunCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.CycleSkipped()
		s.logg.Info(ctx, "another cron instance holds the lock; skipping cycle")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(ctx); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()

	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithFields(ctx, map[string]any{
		"job":   job.Name(),
		"event": "cron.job",
	})
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	s.metrics.ObserveRun(job.Name(), duration, err)

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return
	}
	s.logg.Info(jobCtx, "job completed")
}
