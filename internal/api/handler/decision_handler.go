package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/portfolio-workcore/internal/api/dto"
	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

const actorKey = "actor"

// SetActor stores the calling actor on the request context
func SetActor(c *gin.Context, actor lifecycle.Actor) {
	c.Set(actorKey, actor)
}

// ActorFrom returns the actor set by the actor middleware
func ActorFrom(c *gin.Context) (lifecycle.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return lifecycle.Actor{}, false
	}
	actor, ok := v.(lifecycle.Actor)
	return actor, ok
}

// DecisionHandler handles decision and lifecycle requests
type DecisionHandler struct {
	logger    *slog.Logger
	decisions DecisionService
}

// NewDecisionHandler creates a new DecisionHandler instance
func NewDecisionHandler(deps *Dependencies) *DecisionHandler {
	return &DecisionHandler{logger: deps.Logger, decisions: deps.Decisions}
}

func (h *DecisionHandler) requireActor(c *gin.Context) (lifecycle.Actor, bool) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "actor headers are required"})
		return lifecycle.Actor{}, false
	}
	return actor, true
}

func toRequest(body *dto.DecisionRequest, actor lifecycle.Actor) decision.Request {
	return decision.Request{
		Decision: decision.Decision(body.Decision),
		Reason:   body.Reason,
		Actor:    actor,
		Options: decision.Options{
			OverrideBlock: body.OverrideBlock,
			MaxBid:        body.MaxBid,
			Checklist:     body.Checklist,
		},
	}
}

// ApplyDecision handles POST /api/v1/domains/:domain_id/decision
func (h *DecisionHandler) ApplyDecision(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}

	var body dto.DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		badRequest(c, "invalid request body")
		return
	}

	req := toRequest(&body, actor)
	req.DomainID = c.Param("domain_id")

	out, err := h.decisions.ApplyDecision(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ApplyBulkDecision handles POST /api/v1/domains/decisions/bulk
// Valid input always gets 200; per-domain failures are in the items.
func (h *DecisionHandler) ApplyBulkDecision(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}

	var body dto.BulkDecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		badRequest(c, "invalid request body")
		return
	}

	result, err := h.decisions.ApplyBulkDecision(c.Request.Context(), body.DomainIDs, toRequest(&body.DecisionRequest, actor))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Bulk decision applied",
		slog.String("decision", body.Decision),
		slog.String("actor_id", actor.ID),
		slog.Int("updated", result.Updated),
		slog.Int("failed", result.Failed),
	)
	c.JSON(http.StatusOK, result)
}

// TransitionLifecycle handles POST /api/v1/domains/:domain_id/lifecycle
func (h *DecisionHandler) TransitionLifecycle(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}

	var body dto.LifecycleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		badRequest(c, "invalid request body")
		return
	}

	out, err := h.decisions.TransitionLifecycle(c.Request.Context(), decision.TransitionRequest{
		DomainID: c.Param("domain_id"),
		To:       lifecycle.State(body.ToState),
		Actor:    actor,
		Reason:   body.Reason,
		Metadata: body.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
