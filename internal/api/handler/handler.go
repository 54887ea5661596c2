package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/portfolio-workcore/internal/api/dto"
	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/sla"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

// JobStore is the job store surface the API uses
type JobStore interface {
	Enqueue(ctx context.Context, spec jobs.Spec) (string, error)
	EnqueueUnique(ctx context.Context, key jobs.DedupKey, spec jobs.Spec) (string, bool, error)
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	List(ctx context.Context, filter jobs.Filter) ([]jobs.Job, error)
	ListActive(ctx context.Context, limit int) ([]jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
}

// DecisionService records decisions and lifecycle transitions
type DecisionService interface {
	ApplyDecision(ctx context.Context, req decision.Request) (*decision.Outcome, error)
	ApplyBulkDecision(ctx context.Context, ids []string, template decision.Request) (*decision.BulkResult, error)
	TransitionLifecycle(ctx context.Context, req decision.TransitionRequest) (*decision.TransitionOutcome, error)
}

// Notifier wakes the worker pool for new jobs
type Notifier interface {
	Notify(ctx context.Context, refs []jobs.Ref) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      JobStore
	Decisions DecisionService
	Notifier  Notifier
	SLA       sla.Thresholds
	// SLAScanLimit caps the active jobs read by the SLA summary
	SLAScanLimit  int
	NotifyTimeout time.Duration
	HealthCheck   func(ctx context.Context) error
}

// respondError maps domain errors onto HTTP statuses. Anything unclassified
// is logged and reported as a generic 500.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	var status int
	switch {
	case errors.Is(err, jobs.ErrInvalidSpec):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: decision.CodeInvalid})
		return
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), Code: decision.CodeNotFound})
		return
	case errors.Is(err, jobs.ErrJobNotCancellable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error(), Code: "not_cancellable"})
		return
	case decision.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, decision.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, decision.ErrForbidden), errors.Is(err, lifecycle.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrReasonRequired):
		status = http.StatusUnprocessableEntity
	default:
		logger.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error", Code: decision.CodeInternal})
		return
	}

	c.JSON(status, dto.ErrorResponse{Error: err.Error(), Code: decision.ReasonCode(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg, Code: decision.CodeInvalid})
}
