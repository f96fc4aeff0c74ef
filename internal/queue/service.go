// Package queue is the submission side of the job queue: it creates jobs, answers
// status queries and applies owner requests (cancel, retry).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/cuongbtq/charisma-jobs/internal/executor"
	"github.com/cuongbtq/charisma-jobs/internal/storage"
	"github.com/google/uuid"
)

const (
	// DefaultPageSize is used when a listing does not ask for a size
	DefaultPageSize = 20
	// MaxPageSize bounds a single listing page
	MaxPageSize = 100
	// MaxRetriesLimit bounds the per-job retry ceiling a client may request
	MaxRetriesLimit = 10
)

// Store is the part of the job store the queue service needs
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	ListByOwner(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	Cancel(ctx context.Context, jobID, ownerID string, now time.Time) (*domain.Job, error)
	Retry(ctx context.Context, jobID, ownerID string, now time.Time) (*domain.Job, error)
	QueuePosition(ctx context.Context, job *domain.Job, now time.Time) (int, error)
}

// Publisher emits job updates to the fan-out channel
type Publisher interface {
	Publish(update domain.Update) domain.Update
}

// Interrupter stops a job executing in this process, if any
type Interrupter interface {
	Interrupt(jobID string) bool
}

// Options configures the service
type Options struct {
	DefaultMaxRetries int
	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// SubmitRequest describes a new job
type SubmitRequest struct {
	OwnerID    string
	Type       string
	Payload    json.RawMessage
	Priority   string
	MaxRetries *int
}

// ListRequest selects a page of an owner's jobs
type ListRequest struct {
	OwnerID string
	Type    string
	Status  string
	Limit   int
	Cursor  *storage.JobCursor
}

// ListResult is a page of job views. Next is nil on the last page.
type ListResult struct {
	Jobs []domain.View
	Next *storage.JobCursor
}

// Service implements submit, status, list, cancel and retry
type Service struct {
	store       Store
	publisher   Publisher
	dispatcher  Dispatcher
	interrupter Interrupter
	opts        Options
	logger      *slog.Logger
}

// NewService creates a new Service
func NewService(store Store, publisher Publisher, dispatcher Dispatcher, opts Options, logger *slog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:      store,
		publisher:  publisher,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// SetInterrupter attaches the local worker so cancels stop in-flight executions
func (s *Service) SetInterrupter(i Interrupter) {
	s.interrupter = i
}

// Submit validates and persists a new PENDING job and signals the workers.
// Validation and storage failures are returned; nothing is persisted on validation failure.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.NewValidationError("ownerId", "is required")
	}

	jobType, err := domain.ParseType(req.Type)
	if err != nil {
		return nil, err
	}

	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	if err := executor.ValidatePayload(jobType, req.Payload); err != nil {
		return nil, err
	}

	maxRetries := s.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > MaxRetriesLimit {
			return nil, domain.NewValidationError("maxRetries", fmt.Sprintf("must be between 0 and %d", MaxRetriesLimit))
		}
		maxRetries = *req.MaxRetries
	}

	now := s.opts.Now().UTC()
	job := &domain.Job{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Type:        jobType,
		Status:      domain.StatusPending,
		Priority:    priority,
		CurrentStep: "Queued",
		Payload:     string(req.Payload),
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		QueuedAt:    now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		s.logger.Error("Failed to create job",
			slog.String("owner_id", req.OwnerID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.String("type", string(job.Type)),
		slog.String("priority", job.Priority.String()),
	)

	s.publisher.Publish(domain.StatusUpdate(job))
	s.dispatch(ctx, job.ID)

	return job, nil
}

// GetStatus returns the owner's view of a job. Jobs of other owners are reported as not found.
func (s *Service) GetStatus(ctx context.Context, jobID, ownerID string) (*domain.View, error) {
	job, err := s.store.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	var position *int
	if job.Status == domain.StatusPending {
		pos, err := s.store.QueuePosition(ctx, job, s.opts.Now())
		if err != nil {
			// the view is still useful without a position
			s.logger.Warn("Failed to compute queue position",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		} else {
			position = &pos
		}
	}

	view := domain.NewView(job, position)
	return &view, nil
}

// ListForOwner returns the owner's jobs most recent first
func (s *Service) ListForOwner(ctx context.Context, req ListRequest) (*ListResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	jobs, err := s.store.ListByOwner(ctx, storage.JobFilter{
		OwnerID:  req.OwnerID,
		Type:     req.Type,
		Status:   req.Status,
		PageSize: limit,
		Cursor:   req.Cursor,
	})
	if err != nil {
		return nil, err
	}

	result := &ListResult{}
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		result.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}

	result.Jobs = make([]domain.View, len(jobs))
	for i := range jobs {
		result.Jobs[i] = domain.NewView(&jobs[i], nil)
	}

	return result, nil
}

// Cancel moves a PENDING or PROCESSING job to CANCELLED. It returns false when
// the job is already terminal and ErrJobNotFound when the caller does not own it.
func (s *Service) Cancel(ctx context.Context, jobID, ownerID string) (bool, error) {
	job, err := s.store.Cancel(ctx, jobID, ownerID, s.opts.Now())
	if errors.Is(err, domain.ErrNotCancellable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	interrupted := false
	if s.interrupter != nil {
		interrupted = s.interrupter.Interrupt(jobID)
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("owner_id", ownerID),
		slog.Bool("interrupted", interrupted),
	)

	s.publisher.Publish(domain.StatusUpdate(job))
	return true, nil
}

// Retry requeues a FAILED or CANCELLED job that has retries left. It returns false
// when the job is in another status or out of retries.
func (s *Service) Retry(ctx context.Context, jobID, ownerID string) (bool, error) {
	job, err := s.store.Retry(ctx, jobID, ownerID, s.opts.Now())
	if errors.Is(err, domain.ErrNotRetryable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("Job retry requested",
		slog.String("job_id", jobID),
		slog.String("owner_id", ownerID),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)

	s.publisher.Publish(domain.StatusUpdate(job))
	s.dispatch(ctx, job.ID)
	return true, nil
}

// dispatch signals workers. The job is already durable, so a lost signal only
// delays it until the next worker poll.
func (s *Service) dispatch(ctx context.Context, jobID string) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		s.logger.Warn("Failed to send dispatch signal",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
