// Package worker is the execution side of the job queue: a pool that claims
// PENDING jobs, runs their executors and finalizes them, plus the sweeper that
// repairs jobs abandoned by crashed workers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/cuongbtq/charisma-jobs/internal/executor"
	"github.com/google/uuid"
)

// Store is the part of the job store used while executing jobs
type Store interface {
	ClaimNext(ctx context.Context, workerID string, now time.Time, types []domain.Type) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID, token string, progress int, step string, now time.Time) (bool, error)
	Heartbeat(ctx context.Context, jobID, token string, now time.Time) error
	Complete(ctx context.Context, jobID, token, result string, now time.Time) error
	Fail(ctx context.Context, jobID, token, message string, now time.Time) error
	Requeue(ctx context.Context, jobID, token string, runAt time.Time, step string, now time.Time) error
	Release(ctx context.Context, jobID, token string, now time.Time) error
}

// Publisher emits job updates to the fan-out channel
type Publisher interface {
	Publish(update domain.Update) domain.Update
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     Store
	Publisher Publisher
	Executors *executor.Registry
	// Types restricts claims to these job types; empty claims every type
	Types []domain.Type
	// Broker delivers dispatch signals; nil means the pool relies on Dispatch and polling
	Broker            Broker
	PrefetchCount     int
	Concurrency       int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	Backoff           Backoff
	Now               func() time.Time
}

// Worker represents the background job worker
type Worker struct {
	logger    *slog.Logger
	store     Store
	publisher Publisher
	executors *executor.Registry
	types     []domain.Type
	broker    Broker

	workerID          string
	prefetchCount     int
	concurrency       int
	pollInterval      time.Duration
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	shutdownTimeout   time.Duration
	backoff           Backoff
	now               func() time.Time

	wake    chan struct{}
	running *runningJobs

	// execCtx outlives the claim loop so in-flight jobs can finish during shutdown
	execCtx   context.Context
	abortExec context.CancelFunc

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	execCtx, abort := context.WithCancelCause(context.Background())

	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		executors:         cfg.Executors,
		types:             cfg.Types,
		broker:            cfg.Broker,
		workerID:          fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		prefetchCount:     prefetch,
		concurrency:       concurrency,
		pollInterval:      pollInterval,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		shutdownTimeout:   cfg.ShutdownTimeout,
		backoff:           cfg.Backoff,
		now:               now,
		wake:              make(chan struct{}, concurrency),
		running:           newRunningJobs(),
		execCtx:           execCtx,
		abortExec:         func() { abort(errShutdown) },
		stopChan:          make(chan struct{}),
	}
}

// ID returns the worker id recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the pool until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if w.broker != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return fmt.Errorf("failed to start dispatch consumer: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startMessageDispatcher(ctx, deliveries)
		}()
	}

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Stop stops claiming new jobs and waits for in-flight executions. Executions
// still running after the shutdown timeout are aborted and released back to PENDING.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...", slog.Int("running_jobs", w.running.count()))
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if w.shutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(w.shutdownTimeout):
			w.logger.Warn("Shutdown timeout reached, aborting running jobs",
				slog.Int("running_jobs", w.running.count()),
			)
			w.abortExec()
			<-done
		}
	} else {
		<-done
	}

	w.abortExec()
	w.logger.Info("Worker stopped")
}

// Dispatch wakes one idle pool goroutine. It never blocks; extra signals are
// dropped because a woken goroutine keeps claiming until the queue is empty.
func (w *Worker) Dispatch(_ context.Context, jobID string) error {
	select {
	case w.wake <- struct{}{}:
		w.logger.Debug("Worker woken by dispatch signal", slog.String("job_id", jobID))
	default:
	}
	return nil
}

// Interrupt cancels the executor context of a job running in this process
func (w *Worker) Interrupt(jobID string) bool {
	return w.running.cancel(jobID, errInterrupted)
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}
