package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// JobFilter narrows an owner's job listing
type JobFilter struct {
	OwnerID  string
	Type     string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last row of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListByOwner returns an owner's jobs most recent first.
// It fetches one row more than PageSize so callers can tell whether another page exists.
func (s *Storage) ListByOwner(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ?`
	args := []interface{}{filter.OwnerID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}

	if filter.Cursor != nil {
		createdAt := filter.Cursor.CreatedAt.UTC()
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt, createdAt, filter.Cursor.JobID)
	}

	// created_at DESC, id DESC keeps pagination stable
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, domain.NewStorageError("list jobs", err)
	}

	return jobs, nil
}
