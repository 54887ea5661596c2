// Package sla classifies jobs that have sat in pending or processing longer
// than a configured threshold. It never mutates jobs.
package sla

import (
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

// Breach names the kind of SLA breach a job is in
type Breach string

const (
	BreachNone              Breach = "none"
	BreachPendingTooLong    Breach = "pending_too_long"
	BreachProcessingTooLong Breach = "processing_too_long"
)

// Thresholds are the maximum acceptable ages; zero disables a check
type Thresholds struct {
	PendingMax    time.Duration
	ProcessingMax time.Duration
}

// Window converts the thresholds into a storage listing filter
func (t Thresholds) Window() *jobs.SLAWindow {
	return &jobs.SLAWindow{
		PendingOlderThan:    t.PendingMax,
		ProcessingOlderThan: t.ProcessingMax,
	}
}

// Classify reports the breach kind for job at now. Pending age counts from
// scheduled_for, so a delayed job is not late before it is due.
func (t Thresholds) Classify(job *jobs.Job, now time.Time) Breach {
	switch job.Status {
	case jobs.StatusPending:
		if t.PendingMax > 0 && now.Sub(job.ScheduledFor) > t.PendingMax {
			return BreachPendingTooLong
		}
	case jobs.StatusProcessing:
		if t.ProcessingMax > 0 && job.StartedAt != nil && now.Sub(*job.StartedAt) > t.ProcessingMax {
			return BreachProcessingTooLong
		}
	}
	return BreachNone
}

// Summary counts breaches over a set of jobs
type Summary struct {
	Checked           int       `json:"checked"`
	PendingTooLong    int       `json:"pending_too_long"`
	ProcessingTooLong int       `json:"processing_too_long"`
	OldestPending     *Age      `json:"oldest_pending,omitempty"`
	OldestProcessing  *Age      `json:"oldest_processing,omitempty"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Age points at the oldest job of a kind
type Age struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Seconds int64  `json:"age_seconds"`
}

// Breached returns the total number of breaching jobs
func (s Summary) Breached() int {
	return s.PendingTooLong + s.ProcessingTooLong
}

// Summarize classifies every job and tracks the oldest breacher per kind
func (t Thresholds) Summarize(list []jobs.Job, now time.Time) Summary {
	sum := Summary{Checked: len(list), GeneratedAt: now}
	for i := range list {
		job := &list[i]
		switch t.Classify(job, now) {
		case BreachPendingTooLong:
			sum.PendingTooLong++
			sum.OldestPending = older(sum.OldestPending, job, now.Sub(job.ScheduledFor))
		case BreachProcessingTooLong:
			sum.ProcessingTooLong++
			sum.OldestProcessing = older(sum.OldestProcessing, job, now.Sub(*job.StartedAt))
		}
	}
	return sum
}

func older(cur *Age, job *jobs.Job, age time.Duration) *Age {
	secs := int64(age / time.Second)
	if cur != nil && cur.Seconds >= secs {
		return cur
	}
	return &Age{JobID: job.ID, JobType: job.Type, Seconds: secs}
}
