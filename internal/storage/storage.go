package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, owner_id, type, status, priority, progress, current_step, payload,
	result, error, retry_count, max_retries, claim_token, worker_id,
	created_at, queued_at, started_at, completed_at, updated_at, last_heartbeat_at
`

// claimCandidates bounds how many PENDING rows ClaimNext tries before giving up
const claimCandidates = 10

// Storage handles all job persistence. Every state change is a single-row
// conditional update that only counts when it affected exactly one row.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Ping checks that the store is reachable
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}

// Create inserts a new job row
func (s *Storage) Create(ctx context.Context, job *domain.Job) error {
	query := s.db.Rebind(`
		INSERT INTO jobs (
			id, owner_id, type, status, priority, progress, current_step, payload,
			retry_count, max_retries, created_at, queued_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Type,
		job.Status,
		job.Priority,
		job.Progress,
		job.CurrentStep,
		job.Payload,
		job.RetryCount,
		job.MaxRetries,
		job.CreatedAt.UTC(),
		job.QueuedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return domain.NewStorageError("create job", err)
	}

	return nil
}

// Get retrieves a job by ID
func (s *Storage) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStorageError("get job", err)
	}

	return &job, nil
}

// GetForOwner retrieves a job only if it belongs to ownerID
func (s *Storage) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	var job domain.Job
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND owner_id = ?`)

	if err := s.db.GetContext(ctx, &job, query, jobID, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStorageError("get job", err)
	}

	return &job, nil
}

// Claim atomically moves a due PENDING job to PROCESSING for workerID.
// Returns ErrJobAlreadyClaimed when another claimant won or the job is not PENDING.
func (s *Storage) Claim(ctx context.Context, jobID, workerID string, now time.Time) (*domain.Job, error) {
	now = now.UTC()
	token := uuid.NewString()

	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    claim_token = ?,
		    worker_id = ?,
		    progress = 0,
		    started_at = ?,
		    last_heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND queued_at <= ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusProcessing, token, workerID, now, now, now,
		jobID, domain.StatusPending, now,
	)
	if err != nil {
		return nil, domain.NewStorageError("claim job", err)
	}

	if err := expectOneRow(res, domain.ErrJobAlreadyClaimed); err != nil {
		return nil, err
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", string(job.Type)),
	)

	return job, nil
}

// ClaimNext claims the highest priority due PENDING job, oldest first within a priority.
// Candidates lost to a concurrent claimant are skipped. Returns ErrNoJobAvailable when
// nothing could be claimed.
func (s *Storage) ClaimNext(ctx context.Context, workerID string, now time.Time, types []domain.Type) (*domain.Job, error) {
	query := `
		SELECT id FROM jobs
		WHERE status = ? AND queued_at <= ?`
	args := []interface{}{domain.StatusPending, now.UTC()}

	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND type IN (?)`
		args = append(args, names)
	}

	query += ` ORDER BY priority DESC, queued_at ASC, id ASC LIMIT ?`
	args = append(args, claimCandidates)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, domain.NewStorageError("build claim query", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, domain.NewStorageError("select claim candidates", err)
	}

	for _, id := range ids {
		job, err := s.Claim(ctx, id, workerID, now)
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			s.logger.Debug("Claim candidate taken, trying next",
				slog.String("job_id", id),
				slog.String("worker_id", workerID),
			)
			continue
		}
		return job, err
	}

	return nil, domain.ErrNoJobAvailable
}

// UpdateProgress records executor progress while the claim is still held.
// Progress never decreases; a write that would regress or targets a lost claim is
// reported as not applied.
func (s *Storage) UpdateProgress(ctx context.Context, jobID, token string, progress int, step string, now time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET progress = ?,
		    current_step = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND claim_token = ?
		  AND progress <= ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		progress, step, now.UTC(),
		jobID, domain.StatusProcessing, token, progress,
	)
	if err != nil {
		return false, domain.NewStorageError("update progress", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, domain.NewStorageError("update progress", err)
	}

	return rows == 1, nil
}

// Heartbeat refreshes last_heartbeat_at. Returns ErrStaleClaim once the job was
// cancelled, reclaimed or finalized elsewhere.
func (s *Storage) Heartbeat(ctx context.Context, jobID, token string, now time.Time) error {
	now = now.UTC()
	query := s.db.Rebind(`
		UPDATE jobs
		SET last_heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`)

	res, err := s.db.ExecContext(ctx, query, now, now, jobID, domain.StatusProcessing, token)
	if err != nil {
		return domain.NewStorageError("update heartbeat", err)
	}

	return expectOneRow(res, domain.ErrStaleClaim)
}

// Complete finalizes a held job as COMPLETED with its JSON result
func (s *Storage) Complete(ctx context.Context, jobID, token, result string, now time.Time) error {
	now = now.UTC()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    progress = ?,
		    result = ?,
		    error = NULL,
		    claim_token = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusCompleted, domain.MaxProgress, result, now, now,
		jobID, domain.StatusProcessing, token,
	)
	if err != nil {
		return domain.NewStorageError("complete job", err)
	}

	return expectOneRow(res, domain.ErrStaleClaim)
}

// Fail finalizes a held job as FAILED
func (s *Storage) Fail(ctx context.Context, jobID, token, message string, now time.Time) error {
	now = now.UTC()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    error = ?,
		    result = NULL,
		    claim_token = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusFailed, message, now, now,
		jobID, domain.StatusProcessing, token,
	)
	if err != nil {
		return domain.NewStorageError("fail job", err)
	}

	return expectOneRow(res, domain.ErrStaleClaim)
}

// Requeue returns a held job to PENDING for another attempt that becomes due at runAt
func (s *Storage) Requeue(ctx context.Context, jobID, token string, runAt time.Time, step string, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    retry_count = retry_count + 1,
		    progress = 0,
		    current_step = ?,
		    claim_token = NULL,
		    queued_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusPending, step, runAt.UTC(), now.UTC(),
		jobID, domain.StatusProcessing, token,
	)
	if err != nil {
		return domain.NewStorageError("requeue job", err)
	}

	return expectOneRow(res, domain.ErrStaleClaim)
}

// Release hands a held job back to PENDING without consuming a retry.
// Used when a worker shuts down before the attempt finished.
func (s *Storage) Release(ctx context.Context, jobID, token string, now time.Time) error {
	now = now.UTC()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    progress = 0,
		    current_step = ?,
		    claim_token = NULL,
		    worker_id = NULL,
		    started_at = NULL,
		    queued_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusPending, "Released by worker shutdown", now, now,
		jobID, domain.StatusProcessing, token,
	)
	if err != nil {
		return domain.NewStorageError("release job", err)
	}

	return expectOneRow(res, domain.ErrStaleClaim)
}

// Cancel moves an owned PENDING or PROCESSING job to CANCELLED
func (s *Storage) Cancel(ctx context.Context, jobID, ownerID string, now time.Time) (*domain.Job, error) {
	now = now.UTC()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    claim_token = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND owner_id = ? AND status IN (?, ?)
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusCancelled, now, now,
		jobID, ownerID, domain.StatusPending, domain.StatusProcessing,
	)
	if err != nil {
		return nil, domain.NewStorageError("cancel job", err)
	}

	if err := expectOneRow(res, domain.ErrNotCancellable); err != nil {
		return nil, s.explainMiss(ctx, jobID, ownerID, err)
	}

	return s.Get(ctx, jobID)
}

// Retry moves an owned FAILED or CANCELLED job with retries left back to PENDING
func (s *Storage) Retry(ctx context.Context, jobID, ownerID string, now time.Time) (*domain.Job, error) {
	now = now.UTC()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    retry_count = retry_count + 1,
		    progress = 0,
		    current_step = '',
		    result = NULL,
		    error = NULL,
		    claim_token = NULL,
		    completed_at = NULL,
		    queued_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND owner_id = ?
		  AND status IN (?, ?)
		  AND retry_count < max_retries
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusPending, now, now,
		jobID, ownerID, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return nil, domain.NewStorageError("retry job", err)
	}

	if err := expectOneRow(res, domain.ErrNotRetryable); err != nil {
		return nil, s.explainMiss(ctx, jobID, ownerID, err)
	}

	return s.Get(ctx, jobID)
}

// FindStuck lists PROCESSING jobs whose current attempt started before the cutoff
func (s *Storage) FindStuck(ctx context.Context, startedBefore time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	query := s.db.Rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? AND started_at < ?
		ORDER BY started_at ASC
	`)

	if err := s.db.SelectContext(ctx, &jobs, query, domain.StatusProcessing, startedBefore.UTC()); err != nil {
		return nil, domain.NewStorageError("find stuck jobs", err)
	}

	return jobs, nil
}

// ReclaimStuck takes an abandoned PROCESSING job away from its claim. The job goes back
// to PENDING (due at runAt) when it has retries left, otherwise it fails as timed out.
// Returns ErrStaleClaim if the claim changed since it was observed.
func (s *Storage) ReclaimStuck(ctx context.Context, job *domain.Job, runAt, now time.Time) (*domain.Job, error) {
	if job.RetriesLeft() {
		if err := s.Requeue(ctx, job.ID, job.Token(), runAt, "Requeued after timeout", now); err != nil {
			return nil, err
		}
	} else {
		if err := s.Fail(ctx, job.ID, job.Token(), domain.TimedOutMessage, now); err != nil {
			return nil, err
		}
	}

	return s.Get(ctx, job.ID)
}

// PruneTerminal deletes COMPLETED, FAILED and CANCELLED jobs finished before the cutoff
func (s *Storage) PruneTerminal(ctx context.Context, completedBefore time.Time) (int64, error) {
	query := s.db.Rebind(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at < ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled, completedBefore.UTC(),
	)
	if err != nil {
		return 0, domain.NewStorageError("prune jobs", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("prune jobs", err)
	}

	return rows, nil
}

// QueuePosition returns the 1-based dispatch position of a PENDING job. Higher
// priority jobs only count while they are due at now.
func (s *Storage) QueuePosition(ctx context.Context, job *domain.Job, now time.Time) (int, error) {
	queuedAt := job.QueuedAt.UTC()
	query := s.db.Rebind(`
		SELECT COUNT(*) FROM jobs
		WHERE status = ?
		  AND ((priority > ? AND queued_at <= ?)
		       OR (priority = ? AND (queued_at < ? OR (queued_at = ? AND id < ?))))
	`)

	var ahead int
	err := s.db.GetContext(ctx, &ahead, query,
		domain.StatusPending, job.Priority, now.UTC(), job.Priority, queuedAt, queuedAt, job.ID,
	)
	if err != nil {
		return 0, domain.NewStorageError("queue position", err)
	}

	return ahead + 1, nil
}

// explainMiss turns a failed owner-scoped update into ErrJobNotFound when the caller
// cannot see the job, or the given conflict error otherwise
func (s *Storage) explainMiss(ctx context.Context, jobID, ownerID string, conflict error) error {
	if _, err := s.GetForOwner(ctx, jobID, ownerID); err != nil {
		return err
	}
	return conflict
}

func expectOneRow(res sql.Result, miss error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("rows affected", err)
	}
	if rows != 1 {
		return miss
	}
	return nil
}
