package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

type CreateJobRequest struct {
	JobType      string          `json:"job_type" binding:"required"`
	Channel      string          `json:"channel"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	MaxAttempts  int             `json:"max_attempts" binding:"omitempty,min=1"`
}

// Validate checks what binding tags cannot express
func (r *CreateJobRequest) Validate() error {
	p := bytes.TrimSpace(r.Payload)
	if len(p) > 0 && !bytes.Equal(p, []byte("null")) && p[0] != '{' {
		return errors.New("payload must be a JSON object")
	}
	return nil
}

// Spec converts the request into a job spec
func (r *CreateJobRequest) Spec() jobs.Spec {
	spec := jobs.Spec{
		Type:        r.JobType,
		Channel:     r.Channel,
		EntityKey:   r.EntityID,
		Payload:     payload(r.Payload),
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
	}
	if r.ScheduledFor != nil {
		spec.ScheduledFor = r.ScheduledFor.UTC()
	}
	return spec
}

type CreateJobResponse struct {
	JobID    string `json:"job_id"`
	Created  bool   `json:"created"`
	Notified bool   `json:"notified"`
}

type ListJobsRequest struct {
	Status      string `form:"status"`
	JobType     string `form:"job_type"`
	Channel     string `form:"channel"`
	EntityID    string `form:"entity_id"`
	SLABreached bool   `form:"sla_breached"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	EntityID       string          `json:"entity_id,omitempty"`
	Status         string          `json:"status"`
	Channel        string          `json:"channel"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	ScheduledFor   string          `json:"scheduled_for"`
	LeaseExpiresAt string          `json:"lease_expires_at,omitempty"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// NewJobDTO renders a job for the API
func NewJobDTO(j *jobs.Job) JobDTO {
	return JobDTO{
		JobID:          j.ID,
		JobType:        j.Type,
		EntityID:       deref(j.EntityKey),
		Status:         string(j.Status),
		Channel:        j.Channel,
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		Payload:        rawJSON(j.Payload),
		Result:         rawJSON(j.Result),
		ErrorMessage:   deref(j.ErrorMessage),
		WorkerID:       deref(j.WorkerID),
		ScheduledFor:   j.ScheduledFor.Format(time.RFC3339),
		LeaseExpiresAt: formatTime(j.LeaseExpiresAt),
		StartedAt:      formatTime(j.StartedAt),
		CompletedAt:    formatTime(j.CompletedAt),
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
	}
}

func payload(raw json.RawMessage) jobs.JSON {
	if p := bytes.TrimSpace(raw); len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	return jobs.JSON(raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func rawJSON(j jobs.JSON) json.RawMessage {
	if len(j) == 0 {
		return nil
	}
	return json.RawMessage(j)
}
