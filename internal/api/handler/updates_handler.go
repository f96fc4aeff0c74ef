package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/api/dto"
	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/cuongbtq/charisma-jobs/internal/fanout"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// PollJob handles GET /api/v1/jobs/:job_id/updates?since=
// Returns buffered updates of one of the caller's jobs newer than since
func (h *JobHandler) PollJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	since, ok := sinceParam(c)
	if !ok {
		return
	}

	// buffers are keyed by job only, so ownership is checked against the store
	if _, err := h.jobs.GetStatus(c.Request.Context(), jobID, userID(c)); err != nil {
		h.respondError(c, "poll job", err)
		return
	}

	c.JSON(http.StatusOK, updatesResponse(h.updates.PollJob(jobID, since), since))
}

// PollOwner handles GET /api/v1/updates?since=
// Returns buffered updates of all the caller's jobs newer than since
func (h *JobHandler) PollOwner(c *gin.Context) {
	since, ok := sinceParam(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, updatesResponse(h.updates.PollOwner(userID(c), since), since))
}

func sinceParam(c *gin.Context) (time.Time, bool) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Field: "since"})
		return time.Time{}, false
	}
	return since, true
}

func updatesResponse(updates []domain.Update, since time.Time) dto.UpdatesResponse {
	resp := dto.UpdatesResponse{
		Updates:    make([]domain.TaskUpdate, len(updates)),
		ServerTime: since,
	}
	for i, u := range updates {
		resp.Updates[i] = u.Wire()
	}
	if n := len(updates); n > 0 {
		resp.ServerTime = updates[n-1].Timestamp
	}
	return resp
}

// SocketHandler upgrades push connections and attaches them to the hub
type SocketHandler struct {
	hub      *fanout.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSocketHandler creates a new SocketHandler
func NewSocketHandler(hub *fanout.Hub, logger *slog.Logger) *SocketHandler {
	return &SocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are enforced by the gateway in front of the API
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve handles GET /api/v1/ws
// ?admin=true additionally subscribes an admin caller to every owner's updates
func (s *SocketHandler) Serve(c *gin.Context) {
	admin := c.Query("admin") == "true"
	if admin && !isAdmin(c) {
		c.JSON(http.StatusForbidden, dto.ErrorResponse{Error: "Admin role required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := fanout.NewClient(s.hub, conn, userID(c), s.logger)
	if err := client.Serve(admin); err != nil {
		s.logger.Warn("WebSocket client rejected",
			slog.String("owner_id", userID(c)),
			slog.String("error", err.Error()),
		)
	}
}
