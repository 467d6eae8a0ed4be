package dsr

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/dsarq/internal/domain"
	"github.com/SirClappington/dsarq/internal/executor"
)

// Orchestrator is the table-driven reference implementation of the DSR
// collaborator. Platforms with richer per-source logic (redaction,
// cascades, third-party calls) replace it; the pipeline only sees the
// executor.DSROrchestrator interface.
type Orchestrator struct {
	sources []Source
}

// Source names one table holding subject data and the column carrying
// the subject id.
type Source struct {
	Name          string
	Table         string
	SubjectColumn string
}

// identRe guards the names interpolated into export/delete SQL. Only
// plain lowercase identifiers are accepted, never quoted or qualified.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ParseSources reads "table:subject_column" pairs.
func ParseSources(entries []string) ([]Source, error) {
	out := make([]Source, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || !identRe.MatchString(parts[0]) || !identRe.MatchString(parts[1]) {
			return nil, errors.Errorf("bad source entry %q, want table:subject_column", entry)
		}
		out = append(out, Source{Name: parts[0], Table: parts[0], SubjectColumn: parts[1]})
	}
	return out, nil
}

func NewOrchestrator(sources []Source) *Orchestrator {
	return &Orchestrator{sources: sources}
}

func (o *Orchestrator) ExportUserData(ctx context.Context, conn *executor.Conn, userID, requestedBy string) (*executor.Bundle, error) {
	bundle := &executor.Bundle{}
	for _, src := range o.sources {
		rows, err := conn.Pool.Query(ctx,
			`select * from `+src.Table+` where `+src.SubjectColumn+` = $1`, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "export %s", src.Name)
		}
		mapped, err := rowsToMaps(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "export %s", src.Name)
		}
		bundle.Sources = append(bundle.Sources, executor.Source{Name: src.Name, Rows: mapped})
	}
	return bundle, nil
}

func (o *Orchestrator) RequestDeletion(ctx context.Context, conn *executor.Conn, p executor.DeletionParams) (string, error) {
	id := uuid.NewString()
	_, err := conn.Pool.Exec(ctx, `insert into dsar_deletions(
id, user_id, requested_by, reason, immediate, status, requested_at
) values ($1,$2,$3,$4,$5,'PENDING',now())
on conflict (user_id) where status = 'PENDING' do nothing`,
		id, p.UserID, p.RequestedBy, p.Reason, p.Immediate)
	if err != nil {
		return "", errors.Wrap(err, "register deletion")
	}
	// an existing pending intent for the subject wins
	var existing string
	err = conn.Pool.QueryRow(ctx,
		`select id from dsar_deletions where user_id = $1 and status = 'PENDING'`,
		p.UserID).Scan(&existing)
	if err != nil {
		return "", errors.Wrap(err, "resolve deletion intent")
	}
	return existing, nil
}

func (o *Orchestrator) ExecuteDeletion(ctx context.Context, conn *executor.Conn, deletionID string) (*executor.DeletionOutcome, error) {
	var userID string
	err := conn.Pool.QueryRow(ctx,
		`select user_id from dsar_deletions where id = $1 and status = 'PENDING'`,
		deletionID).Scan(&userID)
	if err != nil {
		return nil, errors.Wrap(err, "load deletion intent")
	}

	outcome := &executor.DeletionOutcome{}
	proof := map[string]int64{}
	for _, src := range o.sources {
		tag, err := conn.Pool.Exec(ctx,
			`delete from `+src.Table+` where `+src.SubjectColumn+` = $1`, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "delete from %s", src.Name)
		}
		outcome.Sources = append(outcome.Sources, src.Name)
		proof[src.Name] = tag.RowsAffected()
	}

	outcome.Proof, err = json.Marshal(proof)
	if err != nil {
		return nil, errors.Wrap(err, "encode deletion proof")
	}
	_, err = conn.Pool.Exec(ctx,
		`update dsar_deletions set status = 'EXECUTED', executed_at = now() where id = $1`,
		deletionID)
	if err != nil {
		return nil, errors.Wrap(err, "finalize deletion intent")
	}
	return outcome, nil
}

func (o *Orchestrator) GetDeletionStatus(ctx context.Context, conn *executor.Conn, deletionID string) (string, error) {
	var status string
	err := conn.Pool.QueryRow(ctx,
		`select status from dsar_deletions where id = $1`, deletionID).Scan(&status)
	return status, errors.Wrap(err, "deletion status")
}

func (o *Orchestrator) GetPendingDeletions(ctx context.Context, conn *executor.Conn, userID string) ([]domain.PendingDeletion, error) {
	rows, err := conn.Pool.Query(ctx, `select id, user_id, requested_at
  from dsar_deletions where user_id = $1 and status = 'PENDING'
  order by requested_at asc`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "pending deletions")
	}
	defer rows.Close()

	var out []domain.PendingDeletion
	for rows.Next() {
		var p domain.PendingDeletion
		if err := rows.Scan(&p.DeletionID, &p.UserID, &p.RequestedAt); err != nil {
			return nil, err
		}
		p.ExecuteAt = p.RequestedAt.Add(30 * 24 * time.Hour)
		out = append(out, p)
	}
	return out, rows.Err()
}
