package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

// SystemActorID identifies lifecycle changes made by background jobs
const SystemActorID = "system:worker"

// Transitioner moves a domain through its lifecycle
type Transitioner interface {
	TransitionLifecycle(ctx context.Context, req decision.TransitionRequest) (*decision.TransitionOutcome, error)
}

type acquirePayload struct {
	DomainID  string  `json:"domain_id"`
	MaxBid    float64 `json:"max_bid"`
	DecidedBy string  `json:"decided_by"`
}

// AcquireHandler starts acquisition of an approved domain by moving it to
// acquiring. Running it again for the same domain changes nothing.
type AcquireHandler struct {
	transitions Transitioner
	logger      *slog.Logger
}

// NewAcquireHandler creates the domain.acquire handler
func NewAcquireHandler(t Transitioner, logger *slog.Logger) *AcquireHandler {
	return &AcquireHandler{transitions: t, logger: logger}
}

func (h *AcquireHandler) Handle(ctx context.Context, job *jobs.Job) (jobs.JSON, error) {
	var p acquirePayload
	if err := job.Payload.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid acquire payload: %w", err)
	}
	if p.DomainID == "" {
		return nil, errors.New("invalid acquire payload: domain_id is required")
	}

	out, err := h.transitions.TransitionLifecycle(ctx, decision.TransitionRequest{
		DomainID: p.DomainID,
		To:       lifecycle.StateAcquiring,
		Actor:    lifecycle.Actor{ID: SystemActorID, Role: lifecycle.RoleSystem},
		Metadata: map[string]any{"source": "job", "job_id": job.ID, "max_bid": p.MaxBid},
	})
	if err != nil {
		// the domain moved on (rejected, dropped, already owned); retrying cannot help
		var terr *lifecycle.TransitionError
		if errors.As(err, &terr) && errors.Is(err, lifecycle.ErrIllegalTransition) {
			h.logger.Warn("Domain no longer acquirable, skipping",
				slog.String("domain_id", p.DomainID),
				slog.String("lifecycle_state", string(terr.From)),
			)
			return jobs.MustJSON(map[string]any{
				"domain_id":       p.DomainID,
				"skipped":         true,
				"lifecycle_state": string(terr.From),
			}), nil
		}
		return nil, err
	}

	return jobs.MustJSON(map[string]any{
		"domain_id":       out.DomainID,
		"lifecycle_state": string(out.To),
		"changed":         out.Changed,
	}), nil
}
