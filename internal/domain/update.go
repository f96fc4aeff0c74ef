package domain

import "time"

// UpdateType classifies a job update
type UpdateType string

const (
	UpdateProgress  UpdateType = "progress"
	UpdateStatus    UpdateType = "status"
	UpdateCompleted UpdateType = "completed"
	UpdateFailed    UpdateType = "failed"
)

// TaskUpdateEvent is the event name used on the push channel
const TaskUpdateEvent = "task_update"

// Update is an ephemeral notification about a change to a job.
// The job row stays the source of truth.
type Update struct {
	JobID     string         `json:"jobId"`
	OwnerID   string         `json:"ownerId"`
	Type      UpdateType     `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// TaskUpdate is the client wire form of an Update
type TaskUpdate struct {
	TaskID    string         `json:"taskId"`
	Type      UpdateType     `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Envelope wraps a payload with its event name
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Wire converts the update to its client form
func (u Update) Wire() TaskUpdate {
	return TaskUpdate{
		TaskID:    u.JobID,
		Type:      u.Type,
		Data:      u.Data,
		Timestamp: u.Timestamp,
	}
}

// ProgressUpdate describes a progress callback from an executor
func ProgressUpdate(job *Job, progress int, step string) Update {
	return Update{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Type:    UpdateProgress,
		Data: map[string]any{
			"progress":    progress,
			"currentStep": step,
		},
	}
}

// StatusUpdate describes a non-terminal status change or a cancellation
func StatusUpdate(job *Job) Update {
	return Update{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Type:    UpdateStatus,
		Data: map[string]any{
			"status":      job.Status,
			"progress":    job.Progress,
			"currentStep": job.CurrentStep,
			"retryCount":  job.RetryCount,
			"maxRetries":  job.MaxRetries,
		},
	}
}

// CompletedUpdate describes a successful completion
func CompletedUpdate(job *Job, result any) Update {
	return Update{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Type:    UpdateCompleted,
		Data: map[string]any{
			"status":   StatusCompleted,
			"progress": MaxProgress,
			"result":   result,
		},
	}
}

// FailedUpdate describes a terminal failure
func FailedUpdate(job *Job, message string) Update {
	return Update{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Type:    UpdateFailed,
		Data: map[string]any{
			"status":     StatusFailed,
			"error":      message,
			"retryCount": job.RetryCount,
			"maxRetries": job.MaxRetries,
			"canRetry":   job.RetryCount < job.MaxRetries,
		},
	}
}
