package executor

import (
	"context"
	"time"

	"github.com/SirClappington/dsarq/internal/domain"
)

// The per-data-source export/deletion business logic lives outside this
// core. The executor consumes it through these interfaces; every call is
// scoped to one region's Conn, never across regions.

// Bundle is a subject's assembled data, grouped by source system.
type Bundle struct {
	Sources []Source `json:"sources"`
}

type Source struct {
	Name            string           `json:"name"`
	Rows            []map[string]any `json:"rows"`
	EncryptedFields []string         `json:"-"`
}

type DeletionParams struct {
	UserID      string
	RequestedBy string
	Reason      string
	Immediate   bool
}

// DeletionOutcome is the proof of an executed deletion: which sources
// were touched and an opaque proof blob the verification hash covers.
type DeletionOutcome struct {
	Sources []string
	Proof   []byte
}

type DSROrchestrator interface {
	ExportUserData(ctx context.Context, conn *Conn, userID, requestedBy string) (*Bundle, error)
	RequestDeletion(ctx context.Context, conn *Conn, p DeletionParams) (string, error)
	ExecuteDeletion(ctx context.Context, conn *Conn, deletionID string) (*DeletionOutcome, error)
	GetDeletionStatus(ctx context.Context, conn *Conn, deletionID string) (string, error)
	GetPendingDeletions(ctx context.Context, conn *Conn, userID string) ([]domain.PendingDeletion, error)
}

// PIICipher decrypts field-level encrypted PII. Export is the one path
// where ciphertext is intentionally rendered readable, for the subject.
type PIICipher interface {
	DecryptObject(ctx context.Context, obj map[string]any, subjectID string, fields []string) (map[string]any, error)
}

// BlobStore persists the export artifact at a region-scoped endpoint and
// returns a retrievable locator.
type BlobStore interface {
	Put(ctx context.Context, endpoint, path string, data []byte, ttl time.Duration) (string, error)
}
