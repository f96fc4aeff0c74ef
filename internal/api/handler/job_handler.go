package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/charisma-jobs/internal/api/dto"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/cuongbtq/charisma-jobs/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubmitJob handles POST /api/v1/jobs
// Creates a PENDING job and returns its id; execution happens asynchronously
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), queue.SubmitRequest{
		OwnerID:    userID(c),
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		h.respondError(c, "submit", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{JobID: job.ID})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	view, err := h.jobs.GetStatus(c.Request.Context(), jobID, userID(c))
	if err != nil {
		h.respondError(c, "get", err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs most recent first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor", Field: "cursor"})
		return
	}

	if req.Type != "" {
		if _, err := domain.ParseType(req.Type); err != nil {
			h.respondError(c, "list", err)
			return
		}
	}

	result, err := h.jobs.ListForOwner(c.Request.Context(), queue.ListRequest{
		OwnerID: userID(c),
		Type:    req.Type,
		Status:  req.Status,
		Limit:   req.Limit,
		Cursor:  cursor,
	})
	if err != nil {
		h.respondError(c, "list", err)
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       result.Jobs,
		NextCursor: EncodeJobCursor(result.Next),
	})
}

// CancelJob handles DELETE /api/v1/jobs/:job_id and POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	cancelled, err := h.jobs.Cancel(c.Request.Context(), jobID, userID(c))
	if err != nil {
		h.respondError(c, "cancel", err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Job cannot be cancelled in its current status"})
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	retried, err := h.jobs.Retry(c.Request.Context(), jobID, userID(c))
	if err != nil {
		h.respondError(c, "retry", err)
		return
	}
	if !retried {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Job cannot be retried"})
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

// jobIDParam validates the job_id path parameter, writing a 400 when it is not a UUID
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID", Field: "job_id"})
		return "", false
	}
	return jobID, true
}
