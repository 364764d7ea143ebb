package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

type ApprovalRecord struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Tool        string         `json:"tool"`
	Command     string         `json:"command"`
	Workdir     string         `json:"workdir,omitempty"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

const approvalColumns = `id, execution_id, task_id, tool, command, workdir, status,
	requested_at, expires_at, resolved_at, resolved_by, reason`

func scanApproval(row scanner) (*ApprovalRecord, error) {
	var (
		a                  ApprovalRecord
		requested, expires int64
		resolved           sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.TaskID, &a.Tool, &a.Command, &a.Workdir, &a.Status,
		&requested, &expires, &resolved, &a.ResolvedBy, &a.Reason); err != nil {
		return nil, err
	}
	a.RequestedAt = fromMillis(requested)
	a.ExpiresAt = fromMillis(expires)
	a.ResolvedAt = fromNullMillis(resolved)
	return &a, nil
}

func (s *Store) InsertApproval(ctx context.Context, a *ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, execution_id, task_id, tool, command, workdir, status, requested_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.ExecutionID, a.TaskID, a.Tool, a.Command, a.Workdir, a.Status, toMillis(a.RequestedAt), toMillis(a.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?;`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// FindPendingApproval returns the unexpired pending request for the same
// execution and command, or nil.
func (s *Store) FindPendingApproval(ctx context.Context, executionID, command string, now time.Time) (*ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE execution_id = ? AND command = ? AND status = 'pending' AND expires_at > ?
		ORDER BY requested_at DESC LIMIT 1;
	`, executionID, command, toMillis(now))
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending approval: %w", err)
	}
	return a, nil
}

// ResolveApproval moves a pending request to a final status. It reports false
// when the request was no longer pending, or when an approval arrives at or
// after the request's deadline.
func (s *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, by, reason string, at time.Time) (bool, error) {
	q := `
		UPDATE approval_requests SET status = ?, resolved_at = ?, resolved_by = ?, reason = ?
		WHERE id = ? AND status = 'pending'`
	args := []any{status, toMillis(at), by, reason, id}
	if status == ApprovalApproved {
		q += ` AND expires_at > ?`
		args = append(args, toMillis(at))
	}
	var changed bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, q+";", args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	return changed, nil
}

// ListApprovals returns requests newest first. An empty status lists all.
func (s *Store) ListApprovals(ctx context.Context, status ApprovalStatus, limit int) ([]ApprovalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + approvalColumns + ` FROM approval_requests`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY requested_at DESC LIMIT ?;`
	args = append(args, limit)
	return s.queryApprovals(ctx, q, args...)
}

// ListExpiredPending returns pending requests whose expires_at is at or
// before now.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]ApprovalRecord, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = 'pending' AND expires_at <= ? ORDER BY expires_at ASC;
	`, toMillis(now))
}

func (s *Store) queryApprovals(ctx context.Context, q string, args ...any) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()
	var out []ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
