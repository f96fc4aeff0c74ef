package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop claims and runs jobs until the queue is drained, then sleeps until a
// dispatch signal or the poll ticker. The ticker also picks up delayed retries,
// which become due without any signal.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for !w.stopping() && ctx.Err() == nil {
			if !w.claimAndProcess(ctx, workerName) {
				break
			}
		}

		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// claimAndProcess runs at most one job. It reports whether a job was claimed,
// in which case the caller should try again right away.
func (w *Worker) claimAndProcess(ctx context.Context, workerName string) bool {
	job, err := w.store.ClaimNext(ctx, w.workerID, w.now(), w.types)
	if err != nil {
		if !errors.Is(err, domain.ErrNoJobAvailable) && ctx.Err() == nil {
			// unclaimed jobs stay PENDING and are picked up on the next poll
			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("attempt", job.RetryCount+1),
	)

	w.processJob(job)
	return true
}
