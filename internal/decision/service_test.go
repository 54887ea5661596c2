package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
	"github.com/cuongbtq/portfolio-workcore/shared/logger"
)

var (
	reviewer = lifecycle.Actor{ID: "u-reviewer", Role: lifecycle.RoleReviewer}
	admin    = lifecycle.Actor{ID: "u-admin", Role: lifecycle.RoleAdmin}
)

func ptr[T any](v T) *T { return &v }

func underwriting(id string) Domain {
	return Domain{ID: id, Name: id + ".com", LifecycleState: lifecycle.StateUnderwriting, MaxBid: ptr(1500.0)}
}

func blocked(id string) Domain {
	d := underwriting(id)
	d.BlockingFlag = ptr("trademark_risk")
	return d
}

func newTestService(store Store, n Notifier) *Service {
	return NewService(store, lifecycle.NewMachine(10), n, logger.NewDiscard(), Config{})
}

func TestApplyDecision_BlockedWithoutOverride(t *testing.T) {
	store := newFakeStore(blocked("d-1"))
	n := &fakeNotifier{}
	svc := newTestService(store, n)

	_, err := svc.ApplyDecision(context.Background(), Request{
		DomainID: "d-1", Decision: DecisionBuy, Reason: "strong comps", Actor: reviewer,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 0, store.txCount, "no transaction may be opened")
	assert.Empty(t, store.snapshot().jobs)
	assert.Empty(t, n.calls)
}

func TestApplyDecision_OverrideRequiresAdmin(t *testing.T) {
	store := newFakeStore(blocked("d-1"))
	svc := newTestService(store, &fakeNotifier{})

	_, err := svc.ApplyDecision(context.Background(), Request{
		DomainID: "d-1", Decision: DecisionBuy, Actor: reviewer, Options: Options{OverrideBlock: true},
	})

	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, store.txCount)
}

func TestApplyDecision_AdminOverrideBuy(t *testing.T) {
	store := newFakeStore(blocked("d-1"))
	n := &fakeNotifier{}
	svc := newTestService(store, n)

	out, err := svc.ApplyDecision(context.Background(), Request{
		DomainID: "d-1",
		Decision: DecisionBuy,
		Reason:   "trademark cleared by counsel",
		Actor:    admin,
		Options:  Options{OverrideBlock: true, MaxBid: ptr(2500.0), Checklist: map[string]any{"whois": true}},
	})
	require.NoError(t, err)

	assert.True(t, out.JobQueued)
	assert.NotEmpty(t, out.JobID)
	assert.True(t, out.LifecycleChanged)
	assert.Equal(t, lifecycle.StateApproved, out.LifecycleState)
	assert.True(t, out.Notified)

	st := store.snapshot()
	require.Len(t, st.decisionEvents, 1)
	assert.Equal(t, DecisionBuy, st.decisionEvents[0].NewDecision)
	assert.Nil(t, st.decisionEvents[0].PreviousDecision)

	require.Len(t, st.lifecycleEvents, 1)
	assert.Equal(t, lifecycle.StateUnderwriting, st.lifecycleEvents[0].From)
	assert.Equal(t, lifecycle.StateApproved, st.lifecycleEvents[0].To)
	assert.Equal(t, lifecycle.RoleAdmin, st.lifecycleEvents[0].ActorRole)

	require.Len(t, st.reviewTasks, 1)
	task := st.reviewTasks["d-1|"+ReviewTaskType]
	assert.Equal(t, ReviewApproved, task.Status)
	assert.Equal(t, "u-admin", task.ReviewerID)

	require.Len(t, st.jobs, 1)
	assert.Equal(t, jobs.DedupKey{JobType: AcquireJobType, EntityID: "d-1"}, st.jobs[0].Key)
	assert.Equal(t, "acquisition", st.jobs[0].Spec.Channel)
	assert.JSONEq(t, `{"domain_id":"d-1","max_bid":2500,"decided_by":"u-admin"}`, string(st.jobs[0].Spec.Payload))

	d := st.domains["d-1"]
	assert.Nil(t, d.BlockingFlag, "override clears the flag")
	assert.Equal(t, 2500.0, *d.MaxBid)
	assert.Equal(t, lifecycle.StateApproved, d.LifecycleState)

	require.Len(t, n.calls, 1)
	assert.Equal(t, []jobs.Ref{{ID: out.JobID, Channel: "acquisition"}}, n.calls[0])

	// an immediate repeat with the same key finds the live job
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		id, created, err := tx.EnqueueIfAbsent(ctx, jobs.DedupKey{JobType: AcquireJobType, EntityID: "d-1"}, jobs.Spec{})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, out.JobID, id)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyDecision_RepeatBuyIsIdempotent(t *testing.T) {
	store := newFakeStore(underwriting("d-1"))
	n := &fakeNotifier{}
	svc := newTestService(store, n)
	req := Request{DomainID: "d-1", Decision: DecisionBuy, Actor: reviewer}

	first, err := svc.ApplyDecision(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.JobQueued)

	second, err := svc.ApplyDecision(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.JobQueued)
	assert.False(t, second.LifecycleChanged)
	assert.Equal(t, DecisionBuy, *second.PreviousDecision)

	st := store.snapshot()
	assert.Len(t, st.jobs, 1)
	assert.Len(t, st.lifecycleEvents, 1)
	assert.Len(t, st.decisionEvents, 2)
	assert.Len(t, n.calls, 1, "nothing new to notify about")
}

func TestApplyDecision_Atomicity(t *testing.T) {
	steps := []string{"save_decision", "lifecycle_state", "lifecycle_event", "decision_event", "review_task", "enqueue", "commit"}

	for _, step := range steps {
		t.Run(step, func(t *testing.T) {
			store := newFakeStore(underwriting("d-1"))
			store.failOn = step
			n := &fakeNotifier{}
			svc := newTestService(store, n)

			_, err := svc.ApplyDecision(context.Background(), Request{
				DomainID: "d-1", Decision: DecisionBuy, Reason: "good fit", Actor: reviewer,
			})

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransactionAborted)

			st := store.snapshot()
			assert.Empty(t, st.jobs)
			assert.Empty(t, st.lifecycleEvents)
			assert.Empty(t, st.decisionEvents)
			assert.Empty(t, st.reviewTasks)
			assert.Nil(t, st.domains["d-1"].Decision)
			assert.Equal(t, lifecycle.StateUnderwriting, st.domains["d-1"].LifecycleState)
			assert.Empty(t, n.calls)
		})
	}
}

func TestApplyDecision_ReviewTaskMirrorsLatest(t *testing.T) {
	store := newFakeStore(underwriting("d-1"))
	svc := newTestService(store, &fakeNotifier{})

	sequence := []struct {
		decision Decision
		reason   string
	}{
		{DecisionWatchlist, "wait for auction"},
		{DecisionPass, "price too high for now"},
		{DecisionWatchlist, "seller came back lower"},
		{DecisionPass, "final answer is no thanks"},
	}
	for _, step := range sequence {
		_, err := svc.ApplyDecision(context.Background(), Request{
			DomainID: "d-1", Decision: step.decision, Reason: step.reason, Actor: reviewer,
		})
		require.NoError(t, err)
	}

	st := store.snapshot()
	require.Len(t, st.reviewTasks, 1)
	task := st.reviewTasks["d-1|"+ReviewTaskType]
	assert.Equal(t, ReviewRejected, task.Status)
	assert.Equal(t, "final answer is no thanks", task.Notes)

	require.Len(t, st.decisionEvents, len(sequence))
	last := st.decisionEvents[len(sequence)-1]
	assert.Equal(t, DecisionWatchlist, *last.PreviousDecision)
	assert.Equal(t, DecisionPass, last.NewDecision)
	assert.Empty(t, st.jobs)
	assert.Empty(t, st.lifecycleEvents, "only buy moves the lifecycle")
}

func TestApplyDecision_NotificationFailureIsNotAnError(t *testing.T) {
	store := newFakeStore(underwriting("d-1"))
	svc := newTestService(store, &fakeNotifier{err: errors.New("broker down")})

	out, err := svc.ApplyDecision(context.Background(), Request{DomainID: "d-1", Decision: DecisionBuy, Actor: reviewer})
	require.NoError(t, err)
	assert.True(t, out.JobQueued)
	assert.False(t, out.Notified)
	assert.Len(t, store.snapshot().jobs, 1, "job stays durable")
}

func TestApplyDecision_Validation(t *testing.T) {
	tests := []struct {
		name    string
		domain  Domain
		req     Request
		check   func(t *testing.T, err error)
		wantTxs int
	}{
		{
			name:   "unknown decision",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-1", Decision: "maybe", Actor: reviewer},
			check:  func(t *testing.T, err error) { assert.True(t, IsValidation(err)) },
		},
		{
			name:   "pass without reason",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-1", Decision: DecisionPass, Reason: "meh", Actor: reviewer},
			check:  func(t *testing.T, err error) { assert.True(t, IsValidation(err)) },
		},
		{
			name:   "reason too long",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-1", Decision: DecisionWatchlist, Reason: strings.Repeat("x", 2001), Actor: reviewer},
			check:  func(t *testing.T, err error) { assert.True(t, IsValidation(err)) },
		},
		{
			name:   "unknown role",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-1", Decision: DecisionWatchlist, Actor: lifecycle.Actor{ID: "u", Role: "root"}},
			check:  func(t *testing.T, err error) { assert.True(t, IsValidation(err)) },
		},
		{
			name:   "viewer",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-1", Decision: DecisionWatchlist, Actor: lifecycle.Actor{ID: "u", Role: lifecycle.RoleViewer}},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrForbidden) },
		},
		{
			name:   "buy without bid",
			domain: Domain{ID: "d-1", LifecycleState: lifecycle.StateUnderwriting},
			req:    Request{DomainID: "d-1", Decision: DecisionBuy, Actor: reviewer},
			check: func(t *testing.T, err error) {
				assert.True(t, IsValidation(err))
				assert.Equal(t, CodeMissingMaxBid, ReasonCode(err))
			},
		},
		{
			name:   "negative bid option",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-1", Decision: DecisionBuy, Actor: reviewer, Options: Options{MaxBid: ptr(-1.0)}},
			check:  func(t *testing.T, err error) { assert.True(t, IsValidation(err)) },
		},
		{
			name:   "missing domain",
			domain: underwriting("d-1"),
			req:    Request{DomainID: "d-404", Decision: DecisionWatchlist, Actor: reviewer},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNotFound) },
		},
		{
			name:    "buy from sourced is illegal",
			domain:  Domain{ID: "d-1", LifecycleState: lifecycle.StateSourced, MaxBid: ptr(10.0)},
			req:     Request{DomainID: "d-1", Decision: DecisionBuy, Actor: reviewer},
			check:   func(t *testing.T, err error) { assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition) },
			wantTxs: 1,
		},
		{
			name:    "analyst cannot approve",
			domain:  underwriting("d-1"),
			req:     Request{DomainID: "d-1", Decision: DecisionBuy, Actor: lifecycle.Actor{ID: "u", Role: lifecycle.RoleAnalyst}},
			check:   func(t *testing.T, err error) { assert.ErrorIs(t, err, lifecycle.ErrForbidden) },
			wantTxs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(tt.domain)
			svc := newTestService(store, &fakeNotifier{})

			_, err := svc.ApplyDecision(context.Background(), tt.req)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrTransactionAborted)
			tt.check(t, err)
			assert.Equal(t, tt.wantTxs, store.txCount)

			st := store.snapshot()
			assert.Empty(t, st.decisionEvents)
			assert.Empty(t, st.jobs)
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	store := newFakeStore(Domain{ID: "d-1", LifecycleState: lifecycle.StateOwned})
	svc := newTestService(store, nil)
	op := lifecycle.Actor{ID: "u-op", Role: lifecycle.RoleOperator}

	out, err := svc.TransitionLifecycle(context.Background(), TransitionRequest{
		DomainID: "d-1", To: lifecycle.StateBuilding, Actor: op, Metadata: map[string]any{"ticket": "OPS-1"},
	})
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, lifecycle.StateOwned, out.From)

	st := store.snapshot()
	assert.Equal(t, lifecycle.StateBuilding, st.domains["d-1"].LifecycleState)
	require.Len(t, st.lifecycleEvents, 1)
	assert.Equal(t, "OPS-1", st.lifecycleEvents[0].Metadata["ticket"])

	// same state is a no-op success
	out, err = svc.TransitionLifecycle(context.Background(), TransitionRequest{DomainID: "d-1", To: lifecycle.StateBuilding, Actor: op})
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Len(t, store.snapshot().lifecycleEvents, 1)
}

func TestTransitionLifecycle_Errors(t *testing.T) {
	op := lifecycle.Actor{ID: "u-op", Role: lifecycle.RoleOperator}

	tests := []struct {
		name    string
		req     TransitionRequest
		wantErr error
	}{
		{name: "not found", req: TransitionRequest{DomainID: "d-404", To: lifecycle.StateLive, Actor: op}, wantErr: ErrNotFound},
		{name: "illegal", req: TransitionRequest{DomainID: "d-1", To: lifecycle.StateSold, Actor: op}, wantErr: lifecycle.ErrIllegalTransition},
		{name: "forbidden", req: TransitionRequest{DomainID: "d-1", To: lifecycle.StateDisposing, Actor: op, Reason: "market collapsed"}, wantErr: lifecycle.ErrForbidden},
		{name: "reason", req: TransitionRequest{DomainID: "d-1", To: lifecycle.StateDisposing, Actor: admin, Reason: "x"}, wantErr: lifecycle.ErrReasonRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(Domain{ID: "d-1", LifecycleState: lifecycle.StateOwned})
			svc := newTestService(store, nil)

			_, err := svc.TransitionLifecycle(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, store.snapshot().lifecycleEvents)
		})
	}

	svc := newTestService(newFakeStore(), nil)
	_, err := svc.TransitionLifecycle(context.Background(), TransitionRequest{DomainID: "d-1", To: "archived", Actor: op})
	assert.True(t, IsValidation(err))
}
