package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/portfolio-workcore/internal/api/dto"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/sla"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger        *slog.Logger
	jobs          JobStore
	notifier      Notifier
	sla           sla.Thresholds
	slaScanLimit  int
	notifyTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:        deps.Logger,
		jobs:          deps.Jobs,
		notifier:      deps.Notifier,
		sla:           deps.SLA,
		slaScanLimit:  deps.SLAScanLimit,
		notifyTimeout: deps.NotifyTimeout,
	}
	if h.slaScanLimit <= 0 {
		h.slaScanLimit = 1000
	}
	if h.notifyTimeout <= 0 {
		h.notifyTimeout = 5 * time.Second
	}
	return h
}

// CreateJob handles POST /api/v1/jobs
// With entity_id set, at most one active job exists per (job_type, entity_id)
// and a repeat request returns the existing job with created=false.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		badRequest(c, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	spec := req.Spec()

	var (
		jobID   string
		created = true
		err     error
	)
	if req.EntityID != "" {
		jobID, created, err = h.jobs.EnqueueUnique(ctx, jobs.DedupKey{JobType: req.JobType, EntityID: req.EntityID}, spec)
	} else {
		jobID, err = h.jobs.Enqueue(ctx, spec)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.CreateJobResponse{JobID: jobID, Created: created}
	if !created {
		c.JSON(http.StatusOK, resp)
		return
	}

	channel := spec.Channel
	if job, err := h.jobs.Get(ctx, jobID); err == nil {
		channel = job.Channel
	}
	resp.Notified = h.notify(ctx, jobs.Ref{ID: jobID, Channel: channel})

	h.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", req.JobType),
		slog.String("channel", channel),
		slog.Bool("notified", resp.Notified),
	)
	c.JSON(http.StatusCreated, resp)
}

// notify is best-effort; the reconciler republishes unclaimed jobs
func (h *JobHandler) notify(ctx context.Context, ref jobs.Ref) bool {
	if h.notifier == nil {
		return false
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.notifyTimeout)
	defer cancel()

	if err := h.notifier.Notify(nctx, []jobs.Ref{ref}); err != nil {
		h.logger.Warn("Failed to notify worker pool",
			slog.String("job_id", ref.ID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		badRequest(c, "invalid query parameters")
		return
	}

	status := jobs.Status(req.Status)
	if req.Status != "" && !status.IsValid() {
		badRequest(c, "invalid status")
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		badRequest(c, "invalid cursor")
		return
	}

	filter := jobs.Filter{
		Status:    status,
		Type:      req.JobType,
		Channel:   req.Channel,
		EntityKey: req.EntityID,
		Limit:     req.PageSize,
		After:     cursor,
	}
	if req.SLABreached {
		filter.SLA = h.sla.Window()
	}

	list, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	pageSize := filter.PageSize()
	hasMore := len(list) > pageSize
	if hasMore {
		list = list[:pageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(list))}
	for i := range list {
		resp.Jobs[i] = dto.NewJobDTO(&list[i])
	}
	if hasMore {
		last := list[len(list)-1]
		resp.NextCursor = EncodeJobCursor(&jobs.Cursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Only pending jobs can be cancelled
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", job.ID))
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// SLASummary handles GET /api/v1/jobs/sla/summary
func (h *JobHandler) SLASummary(c *gin.Context) {
	active, err := h.jobs.ListActive(c.Request.Context(), h.slaScanLimit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.sla.Summarize(active, time.Now().UTC()))
}
