package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
)

type taskDispatcher interface {
	RequestTasks(ctx context.Context, workerID string, maxTasks int) []domain.RetrieveURL
}

type doneHandler interface {
	HandleDone(ctx context.Context, report *domain.DoneReport) error
}

// TaskHandler serves the worker side of the master API.
type TaskHandler struct {
	dispatcher taskDispatcher
	monitor    doneHandler
	logger     *slog.Logger
}

func NewTaskHandler(dispatcher taskDispatcher, monitor doneHandler, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{dispatcher: dispatcher, monitor: monitor, logger: logger.With("component", "task_handler")}
}

type requestTasksRequest struct {
	Max int `json:"max" binding:"required,gt=0"`
}

type requestTasksResponse struct {
	Tasks []domain.RetrieveURL `json:"tasks"`
}

// Request hands up to Max tasks to the calling worker. An empty list is a
// normal answer when nothing is dispatchable.
func (h *TaskHandler) Request(ctx *gin.Context) {
	var req requestTasksRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks := h.dispatcher.RequestTasks(ctx.Request.Context(), ctx.GetString(middleware.WorkerIDKey), req.Max)
	if tasks == nil {
		tasks = []domain.RetrieveURL{}
	}
	ctx.JSON(http.StatusOK, requestTasksResponse{Tasks: tasks})
}

// Done records a worker's report. A 5xx answer tells the worker to retry.
func (h *TaskHandler) Done(ctx *gin.Context) {
	var report domain.DoneReport
	if err := ctx.ShouldBindJSON(&report); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if report.TaskID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	workerID := ctx.GetString(middleware.WorkerIDKey)
	switch {
	case report.WorkerID == "":
		report.WorkerID = workerID
	case report.WorkerID != workerID:
		ctx.JSON(http.StatusForbidden, gin.H{"error": errWorkerMismatch})
		return
	}

	if err := h.monitor.HandleDone(ctx.Request.Context(), &report); err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "handle done report", "task_id", report.TaskID, "job_id", report.JobID, "error", err)
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": errReportRejected})
		return
	}
	ctx.Status(http.StatusAccepted)
}
