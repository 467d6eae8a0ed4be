package domain

import (
	"encoding/json"
	"time"
)

type RequestType string

const (
	Access      RequestType = "ACCESS"
	Portability RequestType = "PORTABILITY"
	Erasure     RequestType = "ERASURE"
	StatusCheck RequestType = "STATUS"
	Consent     RequestType = "CONSENT"
)

func (t RequestType) Valid() bool {
	switch t {
	case Access, Portability, Erasure, StatusCheck, Consent:
		return true
	}
	return false
}

type Status string

const (
	Pending    Status = "PENDING"
	InProgress Status = "IN_PROGRESS"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
	Cancelled  Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Job is the persisted unit of work. The scheduler is its only writer;
// workers hold a claimed job by reference for the duration of one attempt.
type Job struct {
	ID           string
	UserID       string
	RequestedBy  string
	RequestType  RequestType
	Region       string
	Status       Status
	Priority     int
	RetryCount   int
	MaxRetries   int
	Metadata     map[string]any
	Result       json.RawMessage
	Error        *string
	SlaMet       *bool
	CreatedAt    time.Time
	ScheduledFor time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	UpdatedAt    time.Time
}

// Immediate reports whether the caller asked to skip the erasure grace period.
func (j *Job) Immediate() bool {
	v, ok := j.Metadata["immediate"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Request is the admission payload. Region and Priority are optional;
// the scheduler fills in the configured defaults.
type Request struct {
	UserID      string         `json:"userId" validate:"required"`
	RequestType RequestType    `json:"requestType" validate:"required"`
	RequestedBy string         `json:"requestedBy" validate:"required"`
	Region      string         `json:"region,omitempty"`
	Priority    *int           `json:"priority,omitempty" validate:"omitempty,min=0,max=9"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// JobView is the read-only projection served by GetStatus.
type JobView struct {
	JobID       string          `json:"jobId"`
	Status      Status          `json:"status"`
	RequestType RequestType     `json:"requestType"`
	Region      string          `json:"region"`
	Progress    int             `json:"progress"`
	RetryCount  int             `json:"retryCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	SlaMet      *bool           `json:"slaMet,omitempty"`
}

func (j *Job) View() JobView {
	v := JobView{
		JobID:       j.ID,
		Status:      j.Status,
		RequestType: j.RequestType,
		Region:      j.Region,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		FailedAt:    j.FailedAt,
		Error:       j.Error,
		Result:      j.Result,
		SlaMet:      j.SlaMet,
	}
	switch {
	case j.Status.Terminal():
		v.Progress = 100
	case j.Status == InProgress:
		v.Progress = 50
	}
	return v
}

// DispatchRef carries just enough of a pending job to order it in the
// dispatch queue.
type DispatchRef struct {
	ID        string
	Priority  int
	CreatedAt time.Time
}

// Metrics is a point-in-time count of jobs by state. Waiting covers
// pending jobs already due; Delayed covers pending jobs scheduled in
// the future (grace period or retry backoff).
type Metrics struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}
