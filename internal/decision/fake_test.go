package decision

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

type fakeJob struct {
	ID   string
	Key  jobs.DedupKey
	Spec jobs.Spec
}

// fakeState is everything the unit of work can write
type fakeState struct {
	domains         map[string]Domain
	lifecycleEvents []lifecycle.Event
	decisionEvents  []DecisionEvent
	reviewTasks     map[string]ReviewTask
	jobs            []fakeJob
}

func (st *fakeState) clone() *fakeState {
	return &fakeState{
		domains:         maps.Clone(st.domains),
		lifecycleEvents: slices.Clone(st.lifecycleEvents),
		decisionEvents:  slices.Clone(st.decisionEvents),
		reviewTasks:     maps.Clone(st.reviewTasks),
		jobs:            slices.Clone(st.jobs),
	}
}

// fakeStore stages writes on a copy and publishes them only on commit, which
// is what the atomicity tests rely on
type fakeStore struct {
	mu         sync.Mutex
	state      *fakeState
	failOn     string
	failDomain string
	txCount    int
	locked     []string
	nextJob    int
}

func newFakeStore(domains ...Domain) *fakeStore {
	st := &fakeState{domains: map[string]Domain{}, reviewTasks: map[string]ReviewTask{}}
	for _, d := range domains {
		st.domains[d.ID] = d
	}
	return &fakeStore{state: st}
}

func (s *fakeStore) GetDomains(_ context.Context, ids []string) (map[string]*Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*Domain{}
	for _, id := range ids {
		if d, ok := s.state.domains[id]; ok {
			out[id] = &d
		}
	}
	return out, nil
}

func (s *fakeStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	tx := &fakeTx{store: s, st: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.failOn == "commit" {
		return errors.New("injected commit failure")
	}
	s.state = tx.st
	return nil
}

func (s *fakeStore) snapshot() *fakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

type fakeTx struct {
	store *fakeStore
	st    *fakeState
}

func (t *fakeTx) fail(step, domainID string) error {
	if t.store.failOn == step && (t.store.failDomain == "" || t.store.failDomain == domainID) {
		return fmt.Errorf("injected %s failure", step)
	}
	return nil
}

func (t *fakeTx) LockDomain(_ context.Context, id string) (*Domain, error) {
	t.store.locked = append(t.store.locked, id)
	d, ok := t.st.domains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (t *fakeTx) SetLifecycleState(_ context.Context, id string, state lifecycle.State) error {
	if err := t.fail("lifecycle_state", id); err != nil {
		return err
	}
	d := t.st.domains[id]
	d.LifecycleState = state
	t.st.domains[id] = d
	return nil
}

func (t *fakeTx) AppendLifecycleEvent(_ context.Context, e lifecycle.Event) error {
	if err := t.fail("lifecycle_event", e.EntityID); err != nil {
		return err
	}
	t.st.lifecycleEvents = append(t.st.lifecycleEvents, e)
	return nil
}

func (t *fakeTx) SaveDecision(_ context.Context, u DecisionUpdate) error {
	if err := t.fail("save_decision", u.DomainID); err != nil {
		return err
	}
	d := t.st.domains[u.DomainID]
	dec := u.Decision
	d.Decision = &dec
	d.DecisionReason = &u.Reason
	d.DecidedBy = &u.DecidedBy
	d.DecidedAt = &u.DecidedAt
	if u.MaxBid != nil {
		d.MaxBid = u.MaxBid
	}
	if u.ClearBlock {
		d.BlockingFlag = nil
	}
	t.st.domains[u.DomainID] = d
	return nil
}

func (t *fakeTx) AppendDecisionEvent(_ context.Context, e DecisionEvent) error {
	if err := t.fail("decision_event", e.DomainID); err != nil {
		return err
	}
	t.st.decisionEvents = append(t.st.decisionEvents, e)
	return nil
}

func (t *fakeTx) UpsertReviewTask(_ context.Context, task ReviewTask) error {
	if err := t.fail("review_task", task.DomainID); err != nil {
		return err
	}
	t.st.reviewTasks[task.DomainID+"|"+task.TaskType] = task
	return nil
}

func (t *fakeTx) EnqueueIfAbsent(_ context.Context, key jobs.DedupKey, spec jobs.Spec) (string, bool, error) {
	if err := t.fail("enqueue", key.EntityID); err != nil {
		return "", false, err
	}
	for _, j := range t.st.jobs {
		if j.Key == key {
			return j.ID, false, nil
		}
	}
	t.store.nextJob++
	id := fmt.Sprintf("job-%d", t.store.nextJob)
	t.st.jobs = append(t.st.jobs, fakeJob{ID: id, Key: key, Spec: spec})
	return id, true, nil
}

func (t *fakeTx) WithSavepoint(_ context.Context, _ string, fn func() error) error {
	saved := t.st.clone()
	if err := fn(); err != nil {
		t.st = saved
		return err
	}
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]jobs.Ref
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, refs []jobs.Ref) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, slices.Clone(refs))
	return n.err
}
