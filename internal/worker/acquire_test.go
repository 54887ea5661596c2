package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/portfolio-workcore/internal/decision"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
	"github.com/cuongbtq/portfolio-workcore/shared/logger"
)

// fakeTransitions applies the real lifecycle rules to an in-memory state
type fakeTransitions struct {
	machine *lifecycle.Machine
	states  map[string]lifecycle.State
	calls   []decision.TransitionRequest
	err     error
}

func (f *fakeTransitions) TransitionLifecycle(_ context.Context, req decision.TransitionRequest) (*decision.TransitionOutcome, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	from, ok := f.states[req.DomainID]
	if !ok {
		return nil, decision.ErrNotFound
	}
	changed, err := f.machine.Evaluate(from, req.To, req.Actor.Role, req.Reason)
	if err != nil {
		return nil, err
	}
	f.states[req.DomainID] = req.To
	return &decision.TransitionOutcome{DomainID: req.DomainID, From: from, To: req.To, Changed: changed}, nil
}

func acquireJob(domainID string) *jobs.Job {
	return &jobs.Job{
		ID:      "0b7e7a4e-4a57-4d3c-9d55-7d3c1c8f2a10",
		Type:    decision.AcquireJobType,
		Payload: jobs.MustJSON(map[string]any{"domain_id": domainID, "max_bid": 1200.0, "decided_by": "u-1"}),
	}
}

func TestAcquireHandler(t *testing.T) {
	tests := []struct {
		name        string
		state       lifecycle.State
		wantState   lifecycle.State
		wantResult  string
		wantErrIs   error
		transitions error
	}{
		{
			name:       "approved moves to acquiring",
			state:      lifecycle.StateApproved,
			wantState:  lifecycle.StateAcquiring,
			wantResult: `{"domain_id":"d-1","lifecycle_state":"acquiring","changed":true}`,
		},
		{
			name:       "already acquiring is a no-op",
			state:      lifecycle.StateAcquiring,
			wantState:  lifecycle.StateAcquiring,
			wantResult: `{"domain_id":"d-1","lifecycle_state":"acquiring","changed":false}`,
		},
		{
			name:       "rejected domain is skipped",
			state:      lifecycle.StateRejected,
			wantState:  lifecycle.StateRejected,
			wantResult: `{"domain_id":"d-1","lifecycle_state":"rejected","skipped":true}`,
		},
		{
			name:        "store failure is retried",
			state:       lifecycle.StateApproved,
			wantState:   lifecycle.StateApproved,
			transitions: decision.ErrTransactionAborted,
			wantErrIs:   decision.ErrTransactionAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeTransitions{
				machine: lifecycle.NewMachine(lifecycle.DefaultMinReasonLength),
				states:  map[string]lifecycle.State{"d-1": tt.state},
				err:     tt.transitions,
			}
			h := NewAcquireHandler(fake, logger.NewDiscard())

			result, err := h.Handle(context.Background(), acquireJob("d-1"))
			if tt.wantErrIs != nil {
				assert.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantResult, string(result))
			assert.Equal(t, tt.wantState, fake.states["d-1"])

			require.Len(t, fake.calls, 1)
			assert.Equal(t, lifecycle.RoleSystem, fake.calls[0].Actor.Role)
		})
	}
}

func TestAcquireHandler_BadPayload(t *testing.T) {
	h := NewAcquireHandler(&fakeTransitions{}, logger.NewDiscard())

	_, err := h.Handle(context.Background(), &jobs.Job{Payload: jobs.JSON(`{"max_bid":1}`)})
	assert.Error(t, err)

	_, err = h.Handle(context.Background(), &jobs.Job{Payload: jobs.JSON(`[`)})
	assert.Error(t, err)
}

func TestAcquireHandler_UnknownDomainFails(t *testing.T) {
	fake := &fakeTransitions{machine: lifecycle.NewMachine(10), states: map[string]lifecycle.State{}}
	h := NewAcquireHandler(fake, logger.NewDiscard())

	_, err := h.Handle(context.Background(), acquireJob("d-404"))
	assert.True(t, errors.Is(err, decision.ErrNotFound))
}
