package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/google/uuid"
)

const (
	JobExpirySweep    = "expiry_sweep"
	JobSessionCleanup = "session_cleanup"
)

// Job is one unit of periodic reconciliation.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// BlockExpirer is the part of block.Store the expiry sweep uses.
type BlockExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, after *domain.DueCursor, limit int) ([]domain.AccountBlock, error)
	Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Candidates int
	Expired    int
	Skipped    int // already moved by another worker or the engine
	Failed     int
}

// ExpirySweep lifts temporary blocks whose end time has passed.
type ExpirySweep struct {
	blocks    BlockExpirer
	batchSize int
	workers   int
	logger    *slog.Logger
	now       func() time.Time
}

func NewExpirySweep(blocks BlockExpirer, batchSize, workers int, logger *slog.Logger) *ExpirySweep {
	return &ExpirySweep{
		blocks:    blocks,
		batchSize: max(1, batchSize),
		workers:   max(1, workers),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the sweep's time source.
func (j *ExpirySweep) WithClock(now func() time.Time) *ExpirySweep {
	j.now = now
	return j
}

func (j *ExpirySweep) Name() string { return JobExpirySweep }

func (j *ExpirySweep) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// Sweep expires due blocks batch by batch through a bounded worker pool.
// A failing block is logged and skipped; the sweep pages past it and carries
// on with the rest, so each due block is tried once per sweep.
func (j *ExpirySweep) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		total SweepResult
		after *domain.DueCursor
	)
	now := j.now().UTC()
	for {
		due, err := j.blocks.ExpireDue(ctx, now, after, j.batchSize)
		if err != nil {
			return total, fmt.Errorf("list due blocks: %w", err)
		}
		if len(due) == 0 {
			return total, nil
		}
		res := j.process(ctx, due, now)
		total.Candidates += res.Candidates
		total.Expired += res.Expired
		total.Skipped += res.Skipped
		total.Failed += res.Failed

		if len(due) < j.batchSize || ctx.Err() != nil {
			return total, ctx.Err()
		}
		last := due[len(due)-1]
		after = &domain.DueCursor{BlockedUntil: *last.BlockedUntil, ID: last.ID}
	}
}

func (j *ExpirySweep) process(ctx context.Context, due []domain.AccountBlock, now time.Time) SweepResult {
	var (
		mu  sync.Mutex
		res = SweepResult{Candidates: len(due)}
		wg  sync.WaitGroup
	)
	jobs := make(chan domain.AccountBlock, len(due))
	for w := 0; w < min(j.workers, len(due)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				expired, err := j.blocks.Expire(ctx, b.ID, now)
				mu.Lock()
				switch {
				case err != nil:
					res.Failed++
				case expired:
					res.Expired++
				default:
					res.Skipped++
				}
				mu.Unlock()
				if err != nil {
					metrics.ReconcilerRecordFailures.WithLabelValues(JobExpirySweep).Inc()
					j.logger.Error("expire block failed", "block_id", b.ID, "user_id", b.UserID, "error", err)
				}
			}
		}()
	}
	for _, b := range due {
		jobs <- b
	}
	close(jobs)
	wg.Wait()
	return res
}

// SessionPurger is the part of session.Store the cleanup job uses.
type SessionPurger interface {
	PurgeStale(ctx context.Context, olderThan time.Duration, inactiveOnly bool) (int64, error)
}

// SessionCleanup deletes ended sessions past retention, then sessions of any
// state idle for longer than the TTL.
type SessionCleanup struct {
	sessions  SessionPurger
	retention time.Duration
	ttl       time.Duration
	logger    *slog.Logger
}

func NewSessionCleanup(sessions SessionPurger, retention, ttl time.Duration, logger *slog.Logger) *SessionCleanup {
	return &SessionCleanup{sessions: sessions, retention: retention, ttl: ttl, logger: logger}
}

func (j *SessionCleanup) Name() string { return JobSessionCleanup }

func (j *SessionCleanup) Run(ctx context.Context) error {
	ended, err := j.sessions.PurgeStale(ctx, j.retention, true)
	if err != nil {
		return fmt.Errorf("purge ended sessions: %w", err)
	}
	idle, err := j.sessions.PurgeStale(ctx, j.ttl, false)
	if err != nil {
		return fmt.Errorf("purge idle sessions: %w", err)
	}
	if ended+idle > 0 {
		j.logger.Info("sessions purged", "ended", ended, "idle", idle)
	}
	return nil
}

// runJob executes a job once with metrics and logging.
func runJob(ctx context.Context, job Job, logger *slog.Logger) error {
	started := time.Now()
	err := job.Run(ctx)
	metrics.ObserveJob(job.Name(), err, started)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("reconciler job failed", "job", job.Name(), "error", err)
	}
	return err
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncJob wraps fn as a named Job.
func NewFuncJob(name string, fn func(ctx context.Context) error) Job {
	return &funcJob{name: name, fn: fn}
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Run(ctx context.Context) error { return j.fn(ctx) }
