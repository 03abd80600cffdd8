// Package reconciler runs the background jobs that keep enforcement state
// consistent: lifting expired blocks and purging stale sessions.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TickerFunc returns a tick channel and a stop function. Tests substitute a
// hand-driven channel.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

// RealTicker is the wall-clock TickerFunc.
func RealTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// jobService runs a Job on every tick under supervision.
type jobService struct {
	job      Job
	interval time.Duration
	ticker   TickerFunc
	logger   *slog.Logger
}

func (s *jobService) Serve(ctx context.Context) error {
	ticks, stop := s.ticker(s.interval)
	defer stop()
	s.logger.Info("reconciler job started", "job", s.job.Name(), "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			_ = runJob(ctx, s.job, s.logger)
		}
	}
}

func (s *jobService) String() string { return s.job.Name() }

// Schedule pairs a job with its interval.
type Schedule struct {
	Job      Job
	Interval time.Duration
}

// Reconciler supervises the scheduled jobs and any extra services such as
// the outbox relay.
type Reconciler struct {
	sup    *suture.Supervisor
	jobs   []Job
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan error
}

// New builds a reconciler. A nil ticker means RealTicker.
func New(logger *slog.Logger, ticker TickerFunc, schedules ...Schedule) *Reconciler {
	if ticker == nil {
		ticker = RealTicker
	}
	sup := suture.New("reconciler", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   10 * time.Second,
	})
	r := &Reconciler{sup: sup, logger: logger}
	for _, sc := range schedules {
		r.jobs = append(r.jobs, sc.Job)
		sup.Add(&jobService{job: sc.Job, interval: sc.Interval, ticker: ticker, logger: logger})
	}
	return r
}

// Add supervises an extra long-running service.
func (r *Reconciler) Add(svc suture.Service) {
	r.sup.Add(svc)
}

// Start runs the supervisor in the background until Stop or ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("reconciler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = r.sup.ServeBackground(ctx)
	return nil
}

// Stop cancels the supervisor and waits for the jobs to return.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reconciler stopped: %w", err)
	}
	return nil
}

// RunOnce runs every job immediately, in order, and joins their errors.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range r.jobs {
		if err := runJob(ctx, job, r.logger); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	return errors.Join(errs...)
}
