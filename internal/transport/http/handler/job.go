package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/jobbuilder"
	"github.com/ErlanBelekov/media-harvester/internal/usecase"
	"github.com/gin-gonic/gin"
)

type jobUsecaser interface {
	CreateJobs(ctx context.Context, input usecase.CreateJobsInput) ([]*domain.Job, error)
	GetByID(ctx context.Context, id string) (*usecase.JobStatus, error)
	Pause(ctx context.Context, id string) (*domain.Job, error)
	Resume(ctx context.Context, id string) (*domain.Job, error)
}

type JobHandler struct {
	jobUsecase jobUsecaser
	logger     *slog.Logger
}

func NewJobHandler(jobUsecase jobUsecaser, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobUsecase: jobUsecase, logger: logger.With("component", "job_handler")}
}

type limitsRequest struct {
	ConnectionTimeoutSeconds int   `json:"connection_timeout_seconds" binding:"gte=0"`
	MaxRedirects             *int  `json:"max_redirects"              binding:"omitempty,gte=0"`
	TimeLimitSeconds         int   `json:"time_limit_seconds"         binding:"gte=0"`
	MinBytesPerSecond        int64 `json:"min_bytes_per_second"       binding:"gte=0"`
}

type ownerRequest struct {
	CollectionID string `json:"collection_id" binding:"required"`
	ProviderID   string `json:"provider_id"   binding:"required"`
	RecordID     string `json:"record_id"     binding:"required"`
}

type createJobsRequest struct {
	Owner                      ownerRequest   `json:"owner"`
	Object                     string         `json:"object"                       binding:"omitempty,url"`
	HasView                    []string       `json:"has_view"                     binding:"dive,url"`
	IsShownBy                  string         `json:"is_shown_by"                  binding:"omitempty,url"`
	IsShownAt                  string         `json:"is_shown_at"                  binding:"omitempty,url"`
	ForceUnconditionalDownload bool           `json:"force_unconditional_download"`
	Priority                   int            `json:"priority"                     binding:"gte=0"`
	Limits                     *limitsRequest `json:"limits"`
}

type createJobsResponse struct {
	IDs []string `json:"ids"`
}

type jobResponse struct {
	ID        string                   `json:"id"`
	State     domain.JobState          `json:"state"`
	Priority  int                      `json:"priority"`
	Owner     domain.Owner             `json:"owner"`
	IPAddress string                   `json:"ip_address"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	Tasks     map[domain.TaskState]int `json:"tasks,omitempty"`
}

func newJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:        job.ID,
		State:     job.State,
		Priority:  job.Priority,
		Owner:     job.Owner,
		IPAddress: job.IPAddress,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobsRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := usecase.CreateJobsInput{
		Record: jobbuilder.Record{
			Owner:     domain.Owner(req.Owner),
			Object:    req.Object,
			HasView:   req.HasView,
			IsShownBy: req.IsShownBy,
			IsShownAt: req.IsShownAt,
		},
		Options: jobbuilder.Options{
			ForceUnconditionalDownload: req.ForceUnconditionalDownload,
			Priority:                   req.Priority,
		},
	}
	if l := req.Limits; l != nil {
		input.Options.Limits = domain.Limits{
			ConnectionTimeout: time.Duration(l.ConnectionTimeoutSeconds) * time.Second,
			MaxRedirects:      maxRedirects(l.MaxRedirects),
			TimeLimit:         time.Duration(l.TimeLimitSeconds) * time.Second,
			MinBytesPerSecond: l.MinBytesPerSecond,
		}
	}

	jobs, err := h.jobUsecase.CreateJobs(ctx.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateJob):
			ctx.JSON(http.StatusConflict, gin.H{"error": errDuplicateJob})
		case errors.Is(err, jobbuilder.ErrNoMediaURLs):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("create jobs", "record_id", req.Owner.RecordID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	resp := createJobsResponse{IDs: make([]string, 0, len(jobs))}
	for _, j := range jobs {
		resp.IDs = append(resp.IDs, j.ID)
	}
	ctx.JSON(http.StatusCreated, resp)
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	jobID := ctx.Param("id")

	status, err := h.jobUsecase.GetByID(ctx.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get job by id", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := newJobResponse(status.Job)
	resp.Tasks = status.Tasks
	ctx.JSON(http.StatusOK, resp)
}

func (h *JobHandler) Pause(ctx *gin.Context) {
	h.changeState(ctx, "pause job", h.jobUsecase.Pause)
}

func (h *JobHandler) Resume(ctx *gin.Context) {
	h.changeState(ctx, "resume job", h.jobUsecase.Resume)
}

func (h *JobHandler) changeState(ctx *gin.Context, op string, fn func(context.Context, string) (*domain.Job, error)) {
	jobID := ctx.Param("id")

	job, err := fn(ctx.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrInvalidTransition):
			ctx.JSON(http.StatusConflict, gin.H{"error": errInvalidTransition})
		case errors.Is(err, usecase.ErrJobChanged):
			ctx.JSON(http.StatusConflict, gin.H{"error": errJobChanged})
		default:
			h.logger.Error(op, "job_id", jobID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusAccepted, newJobResponse(job))
}

// maxRedirects keeps an explicit 0 apart from an absent field, which
// inherits the default.
func maxRedirects(n *int) int {
	switch {
	case n == nil:
		return 0
	case *n == 0:
		return domain.NoRedirects
	default:
		return *n
	}
}
