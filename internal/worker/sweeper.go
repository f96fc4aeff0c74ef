package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// SweeperStore is the part of the job store used by the sweeper
type SweeperStore interface {
	FindStuck(ctx context.Context, startedBefore time.Time) ([]domain.Job, error)
	ReclaimStuck(ctx context.Context, job *domain.Job, runAt, now time.Time) (*domain.Job, error)
	PruneTerminal(ctx context.Context, completedBefore time.Time) (int64, error)
}

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Logger       *slog.Logger
	Store        SweeperStore
	Publisher    Publisher
	Interval     time.Duration
	StuckTimeout time.Duration
	// Retention of terminal jobs; zero keeps them forever
	Retention time.Duration
	Backoff   Backoff
	Now       func() time.Time
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Requeued int
	Failed   int
	// Skipped counts stuck jobs that finished or were reclaimed by someone else meanwhile
	Skipped int
	Pruned  int64
}

// Sweeper reclaims jobs stuck in PROCESSING and prunes old terminal jobs
type Sweeper struct {
	logger       *slog.Logger
	store        SweeperStore
	publisher    Publisher
	interval     time.Duration
	stuckTimeout time.Duration
	retention    time.Duration
	backoff      Backoff
	now          func() time.Time
}

// NewSweeper creates a new Sweeper
func NewSweeper(cfg *SweeperConfig) *Sweeper {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	stuck := cfg.StuckTimeout
	if stuck <= 0 {
		stuck = 30 * time.Minute
	}

	return &Sweeper{
		logger:       cfg.Logger,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		interval:     interval,
		stuckTimeout: stuck,
		retention:    cfg.Retention,
		backoff:      cfg.Backoff,
		now:          now,
	}
}

// Run sweeps on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stuck_timeout", s.stuckTimeout),
		slog.Duration("retention", s.retention),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one reclamation and pruning pass. A stuck job goes back to PENDING
// while it has retries left, otherwise it fails as timed out.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	stuck, err := s.store.FindStuck(ctx, now.Add(-s.stuckTimeout))
	if err != nil {
		return result, err
	}

	for i := range stuck {
		job := &stuck[i]
		runAt := now.Add(s.backoff.Delay(job.RetryCount))

		reclaimed, err := s.store.ReclaimStuck(ctx, job, runAt, now)
		if errors.Is(err, domain.ErrStaleClaim) {
			result.Skipped++
			continue
		}
		if err != nil {
			return result, err
		}

		s.logger.Warn("Reclaimed stuck job",
			slog.String("job_id", job.ID),
			slog.String("worker_id", derefString(job.WorkerID)),
			slog.String("status", string(reclaimed.Status)),
			slog.Int("retry_count", reclaimed.RetryCount),
		)

		if reclaimed.Status == domain.StatusFailed {
			result.Failed++
			s.publisher.Publish(domain.FailedUpdate(reclaimed, domain.TimedOutMessage))
		} else {
			result.Requeued++
			s.publisher.Publish(domain.StatusUpdate(reclaimed))
		}
	}

	if s.retention > 0 {
		pruned, err := s.store.PruneTerminal(ctx, now.Add(-s.retention))
		if err != nil {
			return result, err
		}
		result.Pruned = pruned
	}

	if result != (SweepResult{}) {
		s.logger.Info("Sweep finished",
			slog.Int("requeued", result.Requeued),
			slog.Int("failed", result.Failed),
			slog.Int("skipped", result.Skipped),
			slog.Int64("pruned", result.Pruned),
		)
	}

	return result, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
