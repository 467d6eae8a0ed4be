package domain

import "time"

// ExportResult describes a stored, signed data export artifact.
type ExportResult struct {
	JobID       string    `json:"jobId"`
	UserID      string    `json:"userId"`
	Region      string    `json:"region"`
	URL         string    `json:"url"`
	Signature   string    `json:"signature"`
	KeyID       string    `json:"keyId"`
	RecordCount int       `json:"recordCount"`
	SizeBytes   int64     `json:"sizeBytes"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// DeleteResult describes an executed or registered deletion.
// GracePeriodEndsAt is set only when execution was deferred.
type DeleteResult struct {
	JobID             string     `json:"jobId"`
	UserID            string     `json:"userId"`
	Region            string     `json:"region"`
	DeletionID        string     `json:"deletionId"`
	DeletedSources    []string   `json:"deletedSources,omitempty"`
	VerificationHash  string     `json:"verificationHash,omitempty"`
	CompletedAt       time.Time  `json:"completedAt"`
	GracePeriodEndsAt *time.Time `json:"gracePeriodEndsAt,omitempty"`
}

type PendingDeletion struct {
	DeletionID  string    `json:"deletionId"`
	UserID      string    `json:"userId"`
	RequestedAt time.Time `json:"requestedAt"`
	ExecuteAt   time.Time `json:"executeAt"`
}

// StatusResult is the read-only view of a subject's pending deletions
// within one region.
type StatusResult struct {
	UserID           string            `json:"userId"`
	Region           string            `json:"region"`
	PendingDeletions []PendingDeletion `json:"pendingDeletions"`
	CheckedAt        time.Time         `json:"checkedAt"`
}
