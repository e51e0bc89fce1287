// Package scheduler provides unified scheduler management using gocron v2.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/veil-labs/veil/internal/shared/goroutine"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// BatchJob defines the interface for a scheduled batch processing job.
// Each Execute call processes a batch and returns the number of items processed.
type BatchJob interface {
	Execute(ctx context.Context) (int, error)
}

// BatchJobFunc adapts a plain function to BatchJob.
type BatchJobFunc func(ctx context.Context) (int, error)

func (f BatchJobFunc) Execute(ctx context.Context) (int, error) {
	return f(ctx)
}

// SchedulerManager manages all scheduled jobs using gocron v2 in a
// single scheduler instance.
type SchedulerManager struct {
	scheduler gocron.Scheduler
	logger    logger.Interface

	started   bool
	startedMu sync.RWMutex
}

// NewSchedulerManager creates a new SchedulerManager instance.
func NewSchedulerManager(log logger.Interface) (*SchedulerManager, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerManager{
		scheduler: scheduler,
		logger:    log,
	}, nil
}

// RegisterLifecycleJobs registers the state machine maintenance sweeps:
// - Expire active subscriptions past their expiry time
// - Archive suspended/expired subscriptions past the grace period
// - Archive pending subscriptions whose payment never settled
// - Flag pending subscriptions stuck past the visibility threshold
func (m *SchedulerManager) RegisterLifecycleJobs(
	expireJob BatchJob,
	graceArchiveJob BatchJob,
	pendingArchiveJob BatchJob,
	stuckFlagJob BatchJob,
) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			m.runJob(ctx, "expire-subscriptions", expireJob)
			m.runJob(ctx, "archive-grace-elapsed", graceArchiveJob)
			m.runJob(ctx, "archive-stale-pending", pendingArchiveJob)
			m.runJob(ctx, "flag-stuck-pending", stuckFlagJob)
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("lifecycle"),
		gocron.WithName("lifecycle-maintenance"),
	)
	if err != nil {
		return err
	}

	m.logger.Infow("registered lifecycle jobs", "interval", "1m")
	return nil
}

// RegisterReconcileJob registers the drift reconciliation sweep.
func (m *SchedulerManager) RegisterReconcileJob(interval time.Duration, reconcileJob BatchJob) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			m.runJob(ctx, "reconcile", reconcileJob)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("reconcile"),
		gocron.WithName("reconcile-sweep"),
	)
	if err != nil {
		return err
	}

	m.logger.Infow("registered reconcile job", "interval", interval.String())
	return nil
}

// RegisterHealthProbeJob registers the server fleet health probe.
func (m *SchedulerManager) RegisterHealthProbeJob(interval time.Duration, probeJob BatchJob) error {
	if interval <= 0 {
		interval = time.Minute
	}
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			m.runJob(ctx, "health-probe", probeJob)
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("health"),
		gocron.WithName("server-health-probe"),
	)
	if err != nil {
		return err
	}

	m.logger.Infow("registered health probe job", "interval", interval.String())
	return nil
}

// RegisterUsageJobs registers the traffic poll and the raw sample trim.
func (m *SchedulerManager) RegisterUsageJobs(pollInterval time.Duration, pollJob, trimJob BatchJob) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(pollInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
			defer cancel()
			m.runJob(ctx, "usage-poll", pollJob)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("usage"),
		gocron.WithName("usage-poll"),
	)
	if err != nil {
		return err
	}

	_, err = m.scheduler.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			m.runJob(ctx, "usage-trim", trimJob)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("usage"),
		gocron.WithName("usage-trim"),
	)
	if err != nil {
		return err
	}

	m.logger.Infow("registered usage jobs", "poll_interval", pollInterval.String())
	return nil
}

func (m *SchedulerManager) runJob(ctx context.Context, name string, job BatchJob) {
	defer goroutine.Recover(m.logger, name)
	start := time.Now()
	count, err := job.Execute(ctx)
	if err != nil {
		m.logger.Errorw("scheduled job failed",
			"job", name,
			"processed", count,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}
	if count > 0 {
		m.logger.Infow("scheduled job finished",
			"job", name,
			"processed", count,
			"duration", time.Since(start),
		)
	}
}

// Start begins executing registered jobs.
func (m *SchedulerManager) Start() {
	m.startedMu.Lock()
	defer m.startedMu.Unlock()
	if m.started {
		return
	}
	m.scheduler.Start()
	m.started = true
	m.logger.Infow("scheduler started", "jobs", len(m.scheduler.Jobs()))
}

// Stop gracefully shuts the scheduler down, waiting for running jobs.
func (m *SchedulerManager) Stop() error {
	m.startedMu.Lock()
	defer m.startedMu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.scheduler.Shutdown()
}
