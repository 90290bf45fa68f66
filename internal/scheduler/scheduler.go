// Package scheduler runs the index update job on a fixed cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of scheduled work. ctx carries the per-run timeout.
type Job func(ctx context.Context) error

// Config describes a scheduled job.
type Config struct {
	// Name labels the job in logs and status.
	Name string
	// Interval is the pause between the end of one run and the start of the next.
	Interval time.Duration
	// Timeout bounds a single run.
	Timeout time.Duration
}

// Status is a snapshot of the job's history.
type Status struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	Timeout     time.Duration `json:"timeout"`
	Running     bool          `json:"running"`
	Runs        int           `json:"runs"`
	Failures    int           `json:"failures"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	NextRun     time.Time     `json:"next_run,omitempty"`
}

// Scheduler runs a job once at start and then every interval.
// Runs never overlap: the next run is scheduled when the previous one ends.
type Scheduler struct {
	config Config
	job    Job

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	status  Status
}

// New creates a scheduler for job.
func New(cfg Config, job Job) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Name == "" {
		cfg.Name = "job"
	}

	return &Scheduler{
		config: cfg,
		job:    job,
		status: Status{Name: cfg.Name, Interval: cfg.Interval, Timeout: cfg.Timeout},
	}, nil
}

// Start runs the loop and blocks until ctx is done or Stop is called.
// Returns ctx.Err() on cancellation and nil after Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s already started", s.config.Name)
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	defer close(s.doneCh)

	slog.Info("scheduler_started",
		slog.String("job", s.config.Name),
		slog.Duration("interval", s.config.Interval),
		slog.Duration("timeout", s.config.Timeout))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler_stopped", slog.String("job", s.config.Name))
			return ctx.Err()
		case <-s.stopCh:
			slog.Info("scheduler_stopped", slog.String("job", s.config.Name))
			return nil
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.config.Interval)
		}
	}
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// runOnce executes the job with the configured timeout and records the outcome.
func (s *Scheduler) runOnce(ctx context.Context) {
	started := time.Now()
	s.mu.Lock()
	s.status.Running = true
	s.status.LastRun = started
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	err := s.job(runCtx)
	cancel()

	ended := time.Now()
	s.mu.Lock()
	s.status.Running = false
	s.status.Runs++
	s.status.NextRun = ended.Add(s.config.Interval)
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		s.status.LastSuccess = ended
	}
	s.mu.Unlock()

	if err != nil {
		slog.Warn("scheduled_job_failed",
			slog.String("job", s.config.Name),
			slog.Duration("duration", ended.Sub(started)),
			slog.String("error", err.Error()))
		return
	}
	slog.Debug("scheduled_job_completed",
		slog.String("job", s.config.Name),
		slog.Duration("duration", ended.Sub(started)))
}
