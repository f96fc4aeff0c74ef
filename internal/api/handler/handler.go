package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/api/dto"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/cuongbtq/charisma-jobs/internal/queue"
	"github.com/gin-gonic/gin"
)

// Context keys set by the identity middleware
const (
	UserIDKey  = "user_id"
	IsAdminKey = "is_admin"
)

// JobService is the submission side of the job queue
type JobService interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*domain.Job, error)
	GetStatus(ctx context.Context, jobID, ownerID string) (*domain.View, error)
	ListForOwner(ctx context.Context, req queue.ListRequest) (*queue.ListResult, error)
	Cancel(ctx context.Context, jobID, ownerID string) (bool, error)
	Retry(ctx context.Context, jobID, ownerID string) (bool, error)
}

// UpdateSource serves buffered updates for polling clients
type UpdateSource interface {
	PollJob(jobID string, since time.Time) []domain.Update
	PollOwner(ownerID string, since time.Time) []domain.Update
}

// HealthChecker reports whether the job store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    JobService
	Updates UpdateSource
	Health  HealthChecker
	// Sockets upgrades push connections; nil disables GET /ws
	Sockets *SocketHandler
	Service string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	jobs    JobService
	updates UpdateSource
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		jobs:    deps.Jobs,
		updates: deps.Updates,
	}
}

func userID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func isAdmin(c *gin.Context) bool {
	return c.GetBool(IsAdminKey)
}

// respondError maps domain errors to HTTP statuses
func (h *JobHandler) respondError(c *gin.Context, op string, err error) {
	var validationErr *domain.ValidationError
	var storageErr *domain.StorageError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: validationErr.Message,
			Field: validationErr.Field,
		})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Request canceled"})
	case errors.As(err, &storageErr):
		h.logger.Error("Job store failure",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Job store unavailable"})
	default:
		h.logger.Error("Unexpected error",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Internal server error"})
	}
}
