// Package memstore is an in-memory job store with the same claim, retry and
// dedup semantics as the PostgreSQL store. It backs unit tests and local
// development; it is safe for concurrent use.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
	"github.com/cuongbtq/portfolio-workcore/internal/jobs/backoff"
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBackoff sets the retry delay strategy
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Store) { s.backoff = b }
}

// WithDefaults sets the channel and max attempts applied to new jobs
func WithDefaults(d jobs.Defaults) Option {
	return func(s *Store) { s.defaults = d }
}

// Store is an in-memory job table
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.Job

	// keyLocks stands in for pg_advisory_xact_lock
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	defaults jobs.Defaults
	backoff  backoff.Strategy
	now      func() time.Time
}

// New returns an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs:     make(map[string]*jobs.Job),
		keyLocks: make(map[string]*sync.Mutex),
		defaults: jobs.Defaults{Channel: "default", MaxAttempts: 3},
		backoff:  backoff.Fixed{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clone(j *jobs.Job) *jobs.Job {
	c := *j
	return &c
}

// Enqueue inserts a pending job
func (s *Store) Enqueue(_ context.Context, spec jobs.Spec) (string, error) {
	spec, err := spec.Normalize(s.defaults, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(spec)
}

// insertLocked enforces the active-entity uniqueness rule the way the
// partial unique index does
func (s *Store) insertLocked(spec jobs.Spec) (string, error) {
	if spec.EntityKey != "" {
		if _, ok := s.activeLocked(spec.Type, spec.EntityKey); ok {
			return "", jobs.ErrDuplicateJob
		}
	}

	now := s.now()
	job := &jobs.Job{
		ID:           uuid.New().String(),
		Type:         spec.Type,
		Status:       jobs.StatusPending,
		Priority:     spec.Priority,
		ScheduledFor: spec.ScheduledFor,
		MaxAttempts:  spec.MaxAttempts,
		Channel:      spec.Channel,
		Payload:      append(jobs.JSON(nil), spec.Payload...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if spec.EntityKey != "" {
		key := spec.EntityKey
		job.EntityKey = &key
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *Store) activeLocked(jobType, entity string) (*jobs.Job, bool) {
	var found *jobs.Job
	for _, j := range s.jobs {
		if j.Type != jobType || j.EntityKey == nil || *j.EntityKey != entity || !j.Status.IsActive() {
			continue
		}
		if found == nil || j.CreatedAt.Before(found.CreatedAt) {
			found = j
		}
	}
	return found, found != nil
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// EnqueueUnique inserts the job unless an active job exists for key; see
// storage.Storage.EnqueueIfAbsent for the result contract
func (s *Store) EnqueueUnique(_ context.Context, key jobs.DedupKey, spec jobs.Spec) (string, bool, error) {
	if err := key.Validate(); err != nil {
		return "", false, err
	}
	spec.Type = key.JobType
	spec.EntityKey = key.EntityID
	spec, err := spec.Normalize(s.defaults, s.now())
	if err != nil {
		return "", false, err
	}

	l := s.keyLock(key.String())
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	existing, ok := s.activeLocked(key.JobType, key.EntityID)
	s.mu.RUnlock()
	if ok {
		return existing.ID, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.insertLocked(spec)
	if errors.Is(err, jobs.ErrDuplicateJob) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ClaimNext leases the best-ranked eligible job, or returns nil
func (s *Store) ClaimNext(_ context.Context, req jobs.ClaimRequest) (*jobs.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	lanes := make(map[string]bool)
	for _, ch := range req.Channels() {
		lanes[ch] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var eligible []*jobs.Job
	for _, j := range s.jobs {
		if lanes[j.Channel] && j.Claimable(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(a, b int) bool {
		return rankBefore(eligible[a], eligible[b], req.Channel)
	})

	job := eligible[0]
	if job.Status == jobs.StatusProcessing {
		job.Attempts++
	}
	lease := now.Add(req.Lease)
	worker := req.WorkerID
	started := now
	job.Status = jobs.StatusProcessing
	job.WorkerID = &worker
	job.StartedAt = &started
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return clone(job), nil
}

// rankBefore orders by channel match, lease expiry (nulls first), schedule
// time, priority descending and creation time
func rankBefore(a, b *jobs.Job, primary string) bool {
	if am, bm := a.Channel == primary, b.Channel == primary; am != bm {
		return am
	}
	switch {
	case a.LeaseExpiresAt == nil && b.LeaseExpiresAt != nil:
		return true
	case a.LeaseExpiresAt != nil && b.LeaseExpiresAt == nil:
		return false
	case a.LeaseExpiresAt != nil && !a.LeaseExpiresAt.Equal(*b.LeaseExpiresAt):
		return a.LeaseExpiresAt.Before(*b.LeaseExpiresAt)
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// heldLocked returns the job if workerID holds it
func (s *Store) heldLocked(jobID, workerID string) (*jobs.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if job.Status != jobs.StatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
		return nil, jobs.ErrLeaseLost
	}
	return job, nil
}

// ExtendLease pushes a held lease to now + lease
func (s *Store) ExtendLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.heldLocked(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	expires := now.Add(lease)
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = now
	return nil
}

// Complete marks a held job as completed
func (s *Store) Complete(_ context.Context, jobID, workerID string, result jobs.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.heldLocked(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = jobs.StatusCompleted
	job.Result = append(jobs.JSON(nil), result...)
	job.ErrorMessage = nil
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Fail records a failed attempt and either reschedules or terminally fails
func (s *Store) Fail(_ context.Context, jobID, workerID, errMsg string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.heldLocked(jobID, workerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	job.Attempts++
	job.ErrorMessage = &errMsg
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	if job.Attempts < job.MaxAttempts {
		job.Status = jobs.StatusPending
		job.WorkerID = nil
		job.ScheduledFor = now.Add(s.backoff.Delay(job.Attempts))
	} else {
		job.Status = jobs.StatusFailed
		job.CompletedAt = &now
	}
	return clone(job), nil
}

// Cancel marks a pending or retryable job as cancelled
func (s *Store) Cancel(_ context.Context, jobID string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if job.Status != jobs.StatusPending && !job.Retryable() {
		return nil, jobs.ErrJobNotCancellable
	}
	now := s.now()
	job.Status = jobs.StatusCancelled
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return clone(job), nil
}

// Get returns a copy of the job
func (s *Store) Get(_ context.Context, jobID string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return clone(job), nil
}

// List mirrors storage.Storage.List including the extra look-ahead row
func (s *Store) List(_ context.Context, f jobs.Filter) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	var out []jobs.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Channel != "" && j.Channel != f.Channel {
			continue
		}
		if f.EntityKey != "" && (j.EntityKey == nil || *j.EntityKey != f.EntityKey) {
			continue
		}
		if f.SLA != nil && !breached(j, f.SLA, now) {
			continue
		}
		if f.After != nil && !keysetBefore(j, f.After) {
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if limit := f.PageSize() + 1; len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func breached(j *jobs.Job, w *jobs.SLAWindow, now time.Time) bool {
	switch j.Status {
	case jobs.StatusPending:
		return w.PendingOlderThan > 0 && j.ScheduledFor.Before(now.Add(-w.PendingOlderThan))
	case jobs.StatusProcessing:
		return w.ProcessingOlderThan > 0 && j.StartedAt != nil && j.StartedAt.Before(now.Add(-w.ProcessingOlderThan))
	}
	return false
}

func keysetBefore(j *jobs.Job, c *jobs.Cursor) bool {
	if j.CreatedAt.Equal(c.CreatedAt) {
		return j.ID < c.JobID
	}
	return j.CreatedAt.Before(c.CreatedAt)
}

// ListActive returns up to limit pending and processing jobs, oldest first
func (s *Store) ListActive(_ context.Context, limit int) ([]jobs.Job, error) {
	return s.selectSorted(limit, func(j *jobs.Job, _ time.Time) bool {
		return j.Status.IsActive()
	}, func(a, b *jobs.Job) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

// ListDue returns claimable pending or retryable jobs due for longer than olderThan
func (s *Store) ListDue(_ context.Context, olderThan time.Duration, limit int) ([]jobs.Job, error) {
	return s.selectSorted(limit, func(j *jobs.Job, now time.Time) bool {
		if j.Status != jobs.StatusPending && !j.Retryable() {
			return false
		}
		return !j.ScheduledFor.After(now.Add(-olderThan))
	}, func(a, b *jobs.Job) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ScheduledFor.Before(b.ScheduledFor)
	}), nil
}

func (s *Store) selectSorted(limit int, keep func(*jobs.Job, time.Time) bool, less func(a, b *jobs.Job) bool) []jobs.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	var out []jobs.Job
	for _, j := range s.jobs {
		if keep(j, now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return less(&out[a], &out[b]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FailExhausted terminally fails processing jobs whose lease expired during
// the last allowed attempt
func (s *Store) FailExhausted(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var n int64
	for _, j := range s.jobs {
		if j.Status != jobs.StatusProcessing || !j.LeaseExpired(now) || j.Attempts+1 < j.MaxAttempts {
			continue
		}
		msg := "lease expired after max attempts"
		j.Status = jobs.StatusFailed
		j.Attempts++
		j.ErrorMessage = &msg
		j.LeaseExpiresAt = nil
		j.CompletedAt = &now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}
