package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// storeTimeout bounds the finalizing writes, which must not depend on the
// execution context that may already be canceled
const storeTimeout = 10 * time.Second

var (
	// errInterrupted is the cancel cause when the owner cancels a running job
	errInterrupted = errors.New("job cancelled by owner")
	// errShutdown is the cancel cause when the worker aborts running jobs on shutdown
	errShutdown = errors.New("worker shutting down")
)

// processJob runs a claimed job and writes its outcome. Every write carries the
// claim token, so a job cancelled or reclaimed meanwhile is left untouched.
func (w *Worker) processJob(job *domain.Job) {
	w.publisher.Publish(domain.StatusUpdate(job))

	exec, err := w.executors.Get(job.Type)
	if err != nil {
		w.logger.Error("No executor for job type",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
		)
		w.fail(job, err.Error())
		return
	}

	jobCtx, cancel := context.WithCancelCause(w.execCtx)
	defer cancel(nil)

	runCtx := jobCtx
	if w.jobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(jobCtx, w.jobTimeout, domain.ErrJobTimedOut)
		defer cancelTimeout()
	}

	w.running.add(job.ID, cancel)
	defer w.running.remove(job.ID)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(job, cancel, heartbeatDone)

	w.logger.Info("Executing job",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
	)

	started := w.now()
	result, execErr := exec.Execute(runCtx, json.RawMessage(job.Payload), w.progressRelay(job))
	close(heartbeatDone)

	if cause := context.Cause(jobCtx); cause != nil {
		switch {
		case errors.Is(cause, errInterrupted), errors.Is(cause, domain.ErrStaleClaim):
			w.logger.Info("Discarding result of job no longer held",
				slog.String("job_id", job.ID),
				slog.String("reason", cause.Error()),
			)
			return
		case errors.Is(cause, errShutdown):
			w.release(job)
			return
		}
	}

	if execErr == nil && runCtx.Err() != nil {
		execErr = context.Cause(runCtx)
	}

	if execErr != nil {
		if errors.Is(context.Cause(runCtx), domain.ErrJobTimedOut) {
			execErr = domain.NewExecutorError(domain.TimedOutMessage, execErr)
		}
		w.handleFailure(job, execErr)
		return
	}

	w.complete(job, result, w.now().Sub(started))
}

// progressRelay records executor progress and publishes it. Progress is clamped
// to 0-100 and writes that would lower it are dropped by the store.
func (w *Worker) progressRelay(job *domain.Job) func(int, string) {
	return func(progress int, step string) {
		progress = max(0, min(progress, domain.MaxProgress))

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		applied, err := w.store.UpdateProgress(ctx, job.ID, job.Token(), progress, step, w.now())
		if err != nil {
			w.logger.Warn("Failed to record job progress",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !applied {
			return
		}

		job.Progress = progress
		job.CurrentStep = step
		w.publisher.Publish(domain.ProgressUpdate(job, progress, step))
	}
}

// sendJobHeartbeat refreshes the claim periodically. When the claim is gone the
// job was cancelled or reclaimed elsewhere and the execution is canceled.
func (w *Worker) sendJobHeartbeat(job *domain.Job, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			ctx, cancelStore := context.WithTimeout(context.Background(), storeTimeout)
			err := w.store.Heartbeat(ctx, job.ID, job.Token(), w.now())
			cancelStore()

			if errors.Is(err, domain.ErrStaleClaim) {
				w.logger.Info("Job claim lost, canceling execution",
					slog.String("job_id", job.ID),
				)
				cancel(domain.ErrStaleClaim)
				return
			}
			if err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (w *Worker) complete(job *domain.Job, result json.RawMessage, took time.Duration) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := w.store.Complete(ctx, job.ID, job.Token(), string(result), w.now())
	if errors.Is(err, domain.ErrStaleClaim) {
		w.logger.Info("Discarding late result",
			slog.String("job_id", job.ID),
		)
		return
	}
	if err != nil {
		// the sweeper reclaims the job once it is stuck
		w.logger.Error("Failed to update job status to COMPLETED",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	job.Status = domain.StatusCompleted
	job.Progress = domain.MaxProgress

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Duration("duration", took),
	)

	w.publisher.Publish(domain.CompletedUpdate(job, result))
}

// handleFailure requeues the job with backoff while retries remain, otherwise fails it.
// Permanent errors skip the retry policy.
func (w *Worker) handleFailure(job *domain.Job, execErr error) {
	message := domain.SanitizeMessage(failureMessage(execErr), domain.PayloadSecrets(job.Payload)...)

	w.logger.Error("Job execution failed",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
		slog.String("error", message),
	)

	if domain.IsPermanent(execErr) || !job.RetriesLeft() {
		w.fail(job, message)
		return
	}

	now := w.now()
	delay := w.backoff.Delay(job.RetryCount)
	step := fmt.Sprintf("Attempt %d failed: %s", job.RetryCount+1, message)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := w.store.Requeue(ctx, job.ID, job.Token(), now.Add(delay), step, now)
	if errors.Is(err, domain.ErrStaleClaim) {
		return
	}
	if err != nil {
		w.logger.Error("Failed to requeue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	job.Status = domain.StatusPending
	job.RetryCount++
	job.Progress = 0
	job.CurrentStep = step

	w.logger.Info("Job will be retried",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
		slog.Duration("retry_after", delay),
	)

	w.publisher.Publish(domain.StatusUpdate(job))
}

func (w *Worker) fail(job *domain.Job, message string) {
	message = domain.SanitizeMessage(message, domain.PayloadSecrets(job.Payload)...)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := w.store.Fail(ctx, job.ID, job.Token(), message, w.now())
	if errors.Is(err, domain.ErrStaleClaim) {
		return
	}
	if err != nil {
		w.logger.Error("Failed to update job status to FAILED",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	job.Status = domain.StatusFailed

	w.logger.Warn("Job failed",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)

	w.publisher.Publish(domain.FailedUpdate(job, message))
}

func (w *Worker) release(job *domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := w.store.Release(ctx, job.ID, job.Token(), w.now()); err != nil {
		if !errors.Is(err, domain.ErrStaleClaim) {
			w.logger.Error("Failed to release job on shutdown",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	job.Status = domain.StatusPending
	job.Progress = 0

	w.logger.Info("Job released on shutdown", slog.String("job_id", job.ID))
	w.publisher.Publish(domain.StatusUpdate(job))
}

// failureMessage is the owner-facing text of an execution error
func failureMessage(err error) string {
	var execErr *domain.ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	var permanent *domain.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err.Error()
	}
	return err.Error()
}
