package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"feedsift/internal/scheduler"
	"feedsift/internal/storage"
	"feedsift/internal/worker"
)

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	FetchNow(ctx context.Context, sourceID int64) (string, error)
	Status() scheduler.Status
}

// Handler serves the API routes.
type Handler struct {
	sched Scheduler
	log   *slog.Logger
	now   func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(sched Scheduler, log *slog.Logger) *Handler {
	return &Handler{
		sched: sched,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type poolStatus struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Active  int `json:"active"`
}

type statusResponse struct {
	Running        bool       `json:"running"`
	Cycles         int64      `json:"cycles"`
	LastCycleID    string     `json:"last_cycle_id,omitempty"`
	LastCycleAt    *time.Time `json:"last_cycle_at,omitempty"`
	LastSelected   int        `json:"last_selected"`
	LastDispatched int        `json:"last_dispatched"`
	LastError      string     `json:"last_error,omitempty"`
	Pool           poolStatus `json:"pool"`
}

type fetchResponse struct {
	SourceID int64  `json:"source_id"`
	TaskID   string `json:"task_id"`
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.now().Format(time.RFC3339),
	})
}

// Status returns the scheduler and worker pool snapshot.
func (h *Handler) Status(c *gin.Context) {
	st := h.sched.Status()
	resp := statusResponse{
		Running:        st.Running,
		Cycles:         st.Cycles,
		LastCycleID:    st.LastCycleID,
		LastSelected:   st.LastSelected,
		LastDispatched: st.LastDispatched,
		LastError:      st.LastError,
		Pool: poolStatus{
			Workers: st.Pool.Workers,
			Queued:  st.Pool.Queued,
			Active:  st.Pool.Active,
		},
	}
	if !st.LastCycleAt.IsZero() {
		at := st.LastCycleAt
		resp.LastCycleAt = &at
	}
	c.JSON(http.StatusOK, resp)
}

// FetchSource queues an immediate fetch of one source.
func (h *Handler) FetchSource(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}

	taskID, err := h.sched.FetchNow(c.Request.Context(), id)
	if err != nil {
		status := fetchErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("fetch now", "source_id", id, "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, fetchResponse{SourceID: id, TaskID: taskID})
}

func fetchErrorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInProgress),
		errors.Is(err, scheduler.ErrDisabled),
		errors.Is(err, scheduler.ErrNoProfile):
		return http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
