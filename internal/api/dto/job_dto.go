package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

type SubmitJobRequest struct {
	Type       string          `json:"type" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
	Priority   string          `json:"priority"`
	MaxRetries *int            `json:"maxRetries"`
}

type SubmitJobResponse struct {
	JobID string `json:"jobId"`
}

type ListJobsRequest struct {
	Type   string `form:"type"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Cursor string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []domain.View `json:"jobs"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type UpdatesResponse struct {
	Updates []domain.TaskUpdate `json:"updates"`
	// ServerTime is the timestamp of the newest returned update, or the since value
	// when nothing is new; clients pass it back as the next since
	ServerTime time.Time `json:"serverTime"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
