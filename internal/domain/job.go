package domain

import (
	"encoding/json"
	"time"
)

// Job represents a row of the jobs table
type Job struct {
	ID          string     `db:"id"`
	OwnerID     string     `db:"owner_id"`
	Type        Type       `db:"type"`
	Status      Status     `db:"status"`
	Priority    Priority   `db:"priority"`
	Progress    int        `db:"progress"`
	CurrentStep string     `db:"current_step"`
	Payload     string     `db:"payload"` // JSON object
	Result      *string    `db:"result"`  // JSON, set only when COMPLETED
	Error       *string    `db:"error"`   // set only when FAILED
	RetryCount  int        `db:"retry_count"`
	MaxRetries  int        `db:"max_retries"`
	ClaimToken  *string    `db:"claim_token"`
	WorkerID    *string    `db:"worker_id"`
	CreatedAt   time.Time  `db:"created_at"`
	QueuedAt    time.Time  `db:"queued_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	UpdatedAt   time.Time  `db:"updated_at"`

	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
}

// CanRetry reports whether a manual retry is allowed
func (j *Job) CanRetry() bool {
	return (j.Status == StatusFailed || j.Status == StatusCancelled) && j.RetryCount < j.MaxRetries
}

// RetriesLeft reports whether a failed attempt should be requeued
func (j *Job) RetriesLeft() bool {
	return j.RetryCount < j.MaxRetries
}

// Token returns the current claim token or an empty string
func (j *Job) Token() string {
	if j.ClaimToken == nil {
		return ""
	}
	return *j.ClaimToken
}

// RetryInfo summarizes the retry state for clients
type RetryInfo struct {
	CurrentAttempt int  `json:"currentAttempt"`
	MaxAttempts    int  `json:"maxAttempts"`
	CanRetry       bool `json:"canRetry"`
	IsRetrying     bool `json:"isRetrying"`
}

// View is the owner-facing representation of a job
type View struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Status        Status          `json:"status"`
	Priority      string          `json:"priority"`
	Progress      int             `json:"progress"`
	CurrentStep   string          `json:"currentStep"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
	RetryInfo     RetryInfo       `json:"retryInfo"`
	QueuePosition *int            `json:"queuePosition,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	QueuedAt      time.Time       `json:"queuedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// NewView builds the client view of a job. queuePosition is only kept for PENDING jobs.
func NewView(job *Job, queuePosition *int) View {
	view := View{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Priority:    job.Priority.String(),
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		RetryInfo: RetryInfo{
			CurrentAttempt: job.RetryCount + 1,
			MaxAttempts:    job.MaxRetries + 1,
			CanRetry:       job.CanRetry(),
			IsRetrying:     job.Status == StatusPending && job.RetryCount > 0,
		},
		CreatedAt:   job.CreatedAt,
		QueuedAt:    job.QueuedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	if job.Result != nil {
		view.Result = json.RawMessage(*job.Result)
	}

	if job.Status == StatusPending {
		view.QueuePosition = queuePosition
	}

	return view
}

// DispatchMessage is the body of a dispatch signal sent through RabbitMQ
type DispatchMessage struct {
	JobID string `json:"job_id"`
}
