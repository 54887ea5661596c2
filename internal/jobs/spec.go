package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Spec describes a job to enqueue
type Spec struct {
	Type         string
	Channel      string
	EntityKey    string
	Payload      JSON
	Priority     int
	ScheduledFor time.Time
	MaxAttempts  int
}

// Defaults fill in the optional parts of a Spec
type Defaults struct {
	Channel     string
	MaxAttempts int
}

// Normalize validates s and fills defaults. A zero ScheduledFor means "now".
func (s Spec) Normalize(d Defaults, now time.Time) (Spec, error) {
	s.Type = strings.TrimSpace(s.Type)
	if s.Type == "" {
		return s, fmt.Errorf("%w: job type is required", ErrInvalidSpec)
	}
	if s.Channel == "" {
		s.Channel = d.Channel
	}
	if s.Channel == "" {
		return s, fmt.Errorf("%w: channel is required", ErrInvalidSpec)
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.MaxAttempts < 1 {
		return s, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidSpec)
	}
	if !s.Payload.Valid() {
		return s, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidSpec)
	}
	if len(s.Payload) == 0 {
		s.Payload = JSON("{}")
	}
	if s.ScheduledFor.IsZero() {
		s.ScheduledFor = now
	}
	return s, nil
}

// DedupKey identifies "the" active job for an entity
type DedupKey struct {
	JobType  string
	EntityID string
}

// String renders the key as "<jobType>:<entityId>", the stored entity key form
// used in lock hashing and log lines
func (k DedupKey) String() string {
	return k.JobType + ":" + k.EntityID
}

// LockID is the 64-bit advisory lock id for the key
func (k DedupKey) LockID() int64 {
	return int64(xxhash.Sum64String(k.String()))
}

// Validate checks that both halves of the key are set
func (k DedupKey) Validate() error {
	if strings.TrimSpace(k.JobType) == "" || strings.TrimSpace(k.EntityID) == "" {
		return fmt.Errorf("%w: dedup key needs job type and entity id", ErrInvalidSpec)
	}
	return nil
}

// ClaimRequest asks for the next eligible job on a lane
type ClaimRequest struct {
	WorkerID string
	Channel  string
	// Fallback lanes are drained only when Channel has nothing eligible
	Fallback []string
	Lease    time.Duration
}

// Channels returns the primary channel followed by distinct fallbacks
func (r ClaimRequest) Channels() []string {
	out := []string{r.Channel}
	seen := map[string]bool{r.Channel: true}
	for _, ch := range r.Fallback {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// Validate checks the claim request
func (r ClaimRequest) Validate() error {
	if r.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if r.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if r.Lease <= 0 {
		return fmt.Errorf("lease must be positive")
	}
	return nil
}

// SLAWindow restricts a listing to jobs older than the given ages: pending
// jobs measured from scheduled_for, processing jobs from started_at
type SLAWindow struct {
	PendingOlderThan    time.Duration
	ProcessingOlderThan time.Duration
}

// Cursor is a keyset position in a listing ordered by created_at DESC, job_id DESC
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Filter narrows a job listing
type Filter struct {
	Status    Status
	Type      string
	Channel   string
	EntityKey string
	SLA       *SLAWindow
	Limit     int
	After     *Cursor
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageSize clamps Limit to the allowed range
func (f Filter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	}
	return f.Limit
}
