package dto

type DecisionRequest struct {
	Decision      string         `json:"decision" binding:"required"`
	Reason        string         `json:"reason"`
	OverrideBlock bool           `json:"override_block"`
	MaxBid        *float64       `json:"max_bid"`
	Checklist     map[string]any `json:"checklist"`
}

type BulkDecisionRequest struct {
	DomainIDs []string `json:"domain_ids" binding:"required"`
	DecisionRequest
}

type LifecycleRequest struct {
	ToState  string         `json:"to_state" binding:"required"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
