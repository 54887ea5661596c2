package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/backoff"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func claimReq(worker, channel string) jobs.ClaimRequest {
	return jobs.ClaimRequest{WorkerID: worker, Channel: channel, Lease: time.Minute}
}

func TestEnqueueUnique_ExactlyOneActiveJob(t *testing.T) {
	s := New()
	key := jobs.DedupKey{JobType: "domain.acquire", EntityID: "d-1"}
	const callers = 64

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		ids     = make(map[string]int)
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id, ok, err := s.EnqueueUnique(context.Background(), key, jobs.Spec{Channel: "acquisition"})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created = append(created, id)
			}
			ids[id]++
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, created, 1)
	assert.Equal(t, callers, ids[created[0]])

	active, err := s.ListActive(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEnqueueUnique_KeysAreIndependent(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, c1, err := s.EnqueueUnique(ctx, jobs.DedupKey{JobType: "domain.acquire", EntityID: "d-1"}, jobs.Spec{})
	require.NoError(t, err)
	_, c2, err := s.EnqueueUnique(ctx, jobs.DedupKey{JobType: "domain.acquire", EntityID: "d-2"}, jobs.Spec{})
	require.NoError(t, err)
	_, c3, err := s.EnqueueUnique(ctx, jobs.DedupKey{JobType: "site.build", EntityID: "d-1"}, jobs.Spec{})
	require.NoError(t, err)

	assert.True(t, c1)
	assert.True(t, c2)
	assert.True(t, c3)
}

func TestEnqueueUnique_AfterCompletion(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := jobs.DedupKey{JobType: "domain.acquire", EntityID: "d-1"}

	first, created, err := s.EnqueueUnique(ctx, key, jobs.Spec{})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.EnqueueUnique(ctx, key, jobs.Spec{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)

	job, err := s.ClaimNext(ctx, claimReq("w-1", "default"))
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, job.ID, "w-1", nil))

	next, created, err := s.EnqueueUnique(ctx, key, jobs.Spec{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, next)
}

func TestEnqueue_DuplicateEntityBackstop(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Enqueue(ctx, jobs.Spec{Type: "domain.acquire", EntityKey: "d-1"})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, jobs.Spec{Type: "domain.acquire", EntityKey: "d-1"})
	assert.ErrorIs(t, err, jobs.ErrDuplicateJob)
}

func TestClaimNext_LeaseExclusivity(t *testing.T) {
	s := New()
	ctx := context.Background()
	const total = 25

	for i := 0; i < total; i++ {
		_, err := s.Enqueue(ctx, jobs.Spec{Type: "site.build", Channel: "build"})
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims = make(map[string]int)
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, claimReq(worker, "build"))
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				claims[job.ID]++
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, claims, total)
	for id, n := range claims {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestClaimNext_Ranking(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()
	now := clock.Now()

	low, _ := s.Enqueue(ctx, jobs.Spec{Type: "t", Channel: "build", Priority: 1})
	clock.Advance(time.Second)
	high, _ := s.Enqueue(ctx, jobs.Spec{Type: "t", Channel: "build", Priority: 9, ScheduledFor: now})
	fallback, _ := s.Enqueue(ctx, jobs.Spec{Type: "t", Channel: "default", ScheduledFor: now.Add(-time.Hour)})
	_, _ = s.Enqueue(ctx, jobs.Spec{Type: "t", Channel: "build", ScheduledFor: now.Add(time.Hour)})
	_, _ = s.Enqueue(ctx, jobs.Spec{Type: "t", Channel: "deploy"})

	req := jobs.ClaimRequest{WorkerID: "w", Channel: "build", Fallback: []string{"default"}, Lease: time.Minute}

	var order []string
	for {
		job, err := s.ClaimNext(ctx, req)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	// same scheduled_for: priority decides; the future job and the other lane never show up
	assert.Equal(t, []string{high, low, fallback}, order)
}

func TestClaimNext_ReclaimsExpiredLease(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, jobs.Spec{Type: "t"})
	require.NoError(t, err)

	first, err := s.ClaimNext(ctx, claimReq("w-1", "default"))
	require.NoError(t, err)
	require.Equal(t, id, first.ID)

	none, err := s.ClaimNext(ctx, claimReq("w-2", "default"))
	require.NoError(t, err)
	assert.Nil(t, none, "live lease must not be reclaimed")

	clock.Advance(2 * time.Minute)

	second, err := s.ClaimNext(ctx, claimReq("w-2", "default"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)
	assert.Equal(t, 1, second.Attempts)
	assert.Equal(t, "w-2", *second.WorkerID)

	assert.ErrorIs(t, s.Complete(ctx, id, "w-1", nil), jobs.ErrLeaseLost)
	assert.ErrorIs(t, s.ExtendLease(ctx, id, "w-1", time.Minute), jobs.ErrLeaseLost)
	require.NoError(t, s.Complete(ctx, id, "w-2", jobs.JSON(`{"ok":true}`)))
}

func TestFail_RetryBound(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithBackoff(backoff.Fixed{Interval: 10 * time.Second}))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, jobs.Spec{Type: "t", MaxAttempts: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := s.ClaimNext(ctx, claimReq("w", "default"))
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)

		failed, err := s.Fail(ctx, id, "w", "boom")
		require.NoError(t, err)
		assert.Equal(t, attempt, failed.Attempts)

		if attempt < 3 {
			assert.Equal(t, jobs.StatusPending, failed.Status)
			none, err := s.ClaimNext(ctx, claimReq("w", "default"))
			require.NoError(t, err)
			assert.Nil(t, none, "backoff must delay the retry")
			clock.Advance(10 * time.Second)
		} else {
			assert.Equal(t, jobs.StatusFailed, failed.Status)
		}
	}

	clock.Advance(time.Hour)
	job, err := s.ClaimNext(ctx, claimReq("w", "default"))
	require.NoError(t, err)
	assert.Nil(t, job)

	_, err = s.Cancel(ctx, id)
	assert.ErrorIs(t, err, jobs.ErrJobNotCancellable)
}

func TestFailExhausted(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, jobs.Spec{Type: "t", MaxAttempts: 2})
	require.NoError(t, err)

	// the second crash happens on the last allowed attempt
	for _, w := range []string{"w-1", "w-2"} {
		job, err := s.ClaimNext(ctx, claimReq(w, "default"))
		require.NoError(t, err)
		require.NotNil(t, job)
		clock.Advance(2 * time.Minute)
	}

	job, err := s.ClaimNext(ctx, claimReq("w-3", "default"))
	require.NoError(t, err)
	assert.Nil(t, job)

	n, err := s.FailExhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "lease expired after max attempts", *got.ErrorMessage)
}

func TestCancel(t *testing.T) {
	s := New()
	ctx := context.Background()

	pending, _ := s.Enqueue(ctx, jobs.Spec{Type: "t"})
	claimed, _ := s.Enqueue(ctx, jobs.Spec{Type: "t", Channel: "other"})
	_, err := s.ClaimNext(ctx, claimReq("w", "other"))
	require.NoError(t, err)

	job, err := s.Cancel(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	none, err := s.ClaimNext(ctx, claimReq("w", "default"))
	require.NoError(t, err)
	assert.Nil(t, none, "cancelled jobs are skipped")

	_, err = s.Cancel(ctx, claimed)
	assert.ErrorIs(t, err, jobs.ErrJobNotCancellable)

	_, err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestList_Pagination(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Enqueue(ctx, jobs.Spec{Type: "t"})
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	page, err := s.List(ctx, jobs.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one look-ahead row")
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	next, err := s.List(ctx, jobs.Filter{Limit: 2, After: &jobs.Cursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID}})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].ID)
}

func TestList_SLAFilter(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	old, _ := s.Enqueue(ctx, jobs.Spec{Type: "t"})
	clock.Advance(30 * time.Minute)
	_, _ = s.Enqueue(ctx, jobs.Spec{Type: "t"})

	list, err := s.List(ctx, jobs.Filter{SLA: &jobs.SLAWindow{PendingOlderThan: 20 * time.Minute}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, old, list[0].ID)
}

func TestListDue(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	due, _ := s.Enqueue(ctx, jobs.Spec{Type: "t"})
	_, _ = s.Enqueue(ctx, jobs.Spec{Type: "t", ScheduledFor: clock.Now().Add(time.Hour)})
	clock.Advance(5 * time.Minute)

	list, err := s.ListDue(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due, list[0].ID)
}
