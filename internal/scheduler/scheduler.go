// Package scheduler runs registered background jobs on fixed intervals or
// once a day at a fixed hour. Singleton jobs take a distributed lock first,
// so only one instance in the fleet runs them per tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/internal/lock"
	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Job is one scheduled unit of work. Exactly one of Every or DailyAtHour
// must be set.
type Job struct {
	Name string
	// Every runs the job on this interval, first run immediately
	Every time.Duration
	// DailyAtHour runs the job once a day at this UTC hour (0-23)
	DailyAtHour int
	Daily       bool
	// Singleton guards the run with a distributed lock
	Singleton bool
	// LockLease bounds the singleton lock lease; defaults to 5 minutes
	LockLease time.Duration
	Run       func(ctx context.Context) error
}

// Scheduler owns the job goroutines
type Scheduler struct {
	locks lock.Service
	log   *logger.Logger

	mu      sync.Mutex
	jobs    []Job
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. locks may be nil when no registered job is a
// singleton.
func New(locks lock.Service) *Scheduler {
	return &Scheduler{
		locks:  locks,
		log:    logger.Get(),
		stopCh: make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and run func are required")
	}
	if !job.Daily && job.Every <= 0 {
		return fmt.Errorf("job %s: interval is required", job.Name)
	}
	if job.Singleton && s.locks == nil {
		return fmt.Errorf("job %s: singleton job needs a lock service", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot register %s: scheduler already started", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one goroutine per job
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	s.log.Info("Starting scheduler", "jobs", len(jobs))

	for _, job := range jobs {
		s.wg.Add(1)
		if job.Daily {
			go s.runDaily(ctx, job)
		} else {
			go s.runInterval(ctx, job)
		}
	}

	return nil
}

// Stop signals all jobs and waits for them to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) runInterval(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	// immediate first run so operators see the effect of a restart
	s.execute(ctx, job)

	for {
		select {
		case <-ticker.C:
			s.execute(ctx, job)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, job Job) {
	defer s.wg.Done()

	for {
		wait := untilNextHour(time.Now().UTC(), job.DailyAtHour)
		select {
		case <-time.After(wait):
			s.execute(ctx, job)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.job")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", job.Name))

	run := job.Run
	if job.Singleton {
		lease := job.LockLease
		if lease <= 0 {
			lease = 5 * time.Minute
		}
		inner := run
		run = func(ctx context.Context) error {
			// a short wait: if another instance holds the lock, skip this tick
			err := s.locks.WithLock(ctx, lock.JobKey(job.Name), time.Second, lease, inner)
			if lock.IsLockTimeout(err) {
				s.log.Debug("Job skipped, lock held elsewhere", "job", job.Name)
				return nil
			}
			return err
		}
	}

	start := time.Now()
	if err := run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		s.log.Error("Scheduled job failed", "job", job.Name, "error", err)
		return
	}

	span.SetStatus(codes.Ok, "")
	s.log.Debug("Scheduled job finished", "job", job.Name, "duration", time.Since(start))
}

func untilNextHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
