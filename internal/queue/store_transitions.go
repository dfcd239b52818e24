package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim transitions an eligible job to running. The conditional update is
// what enforces the single-writer guarantee: exactly one caller observes a
// row change, everyone else gets ErrNotClaimed.
func (s *Store) Claim(ctx context.Context, id int64, now time.Time) (*Job, error) {
	timestamp := now.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?) AND (run_at IS NULL OR run_at <= ?)`,
		StatusRunning,
		timestamp,
		timestamp,
		id,
		StatusPending,
		StatusWaitingRetry,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotClaimed
	}
	return s.GetByID(ctx, id)
}

// CompleteStage records the stage artifact and advances the stage pointer in
// a single transaction. A crash between provider success and this call means
// the stage re-runs; a crash after it means the next run resumes at the
// following stage. There is no state where the artifact exists without the
// advance or vice versa.
//
// When nextStage is empty the job is finalized as completed.
func (s *Store) CompleteStage(ctx context.Context, id int64, stage string, result StageResult, nextStage string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		currentStage string
		statusStr    string
		forceStage   sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT stage, status, force_stage FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&currentStage, &statusStr, &forceStage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job for completion: %w", err)
	}
	if Status(statusStr) != StatusRunning {
		return nil, fmt.Errorf("%w: job %d is %s", ErrNotRunning, id, statusStr)
	}
	if currentStage != stage {
		return nil, fmt.Errorf("%w: job %d is at %s, completion offered for %s", ErrStageMismatch, id, currentStage, stage)
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	if forceStage.Valid && forceStage.String == stage {
		// Forced re-run: replace the prior artifact at a bumped version.
		res, err := tx.ExecContext(
			ctx,
			`UPDATE artifacts
             SET kind = ?, ref = ?, detail_json = ?, version = version + 1, created_at = ?
             WHERE job_id = ? AND stage = ?`,
			result.Kind,
			nullableString(result.Ref),
			nullableString(result.DetailJSON),
			timestamp,
			id,
			stage,
		)
		if err != nil {
			return nil, fmt.Errorf("replace artifact: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("replace artifact rows: %w", err)
		}
		if affected == 0 {
			// Prior artifact was never written; fall through to a fresh insert.
			if err := insertArtifact(ctx, tx, id, stage, result, timestamp); err != nil {
				return nil, err
			}
		}
	} else {
		if err := insertArtifact(ctx, tx, id, stage, result, timestamp); err != nil {
			return nil, err
		}
	}

	if nextStage == "" {
		_, err = tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, error_message = NULL, force_stage = NULL,
                 last_heartbeat = NULL, run_at = NULL, updated_at = ?
             WHERE id = ?`,
			StatusCompleted,
			timestamp,
			id,
		)
	} else {
		_, err = tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET stage = ?, status = ?, error_message = NULL, force_stage = NULL,
                 last_heartbeat = NULL, run_at = NULL, updated_at = ?
             WHERE id = ?`,
			nextStage,
			StatusPending,
			timestamp,
			id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("advance job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit completion: %w", err)
	}
	return s.GetByID(ctx, id)
}

func insertArtifact(ctx context.Context, tx *sql.Tx, id int64, stage string, result StageResult, timestamp string) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO artifacts (job_id, stage, kind, ref, detail_json, version, created_at)
         VALUES (?, ?, ?, ?, ?, 1, ?)`,
		id,
		stage,
		result.Kind,
		nullableString(result.Ref),
		nullableString(result.DetailJSON),
		timestamp,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: job %d stage %s", ErrArtifactExists, id, stage)
	}
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Park delays a running job until resumeAt without recording a retry.
// Waiting out an exhausted rate budget is not a failed attempt, so it must
// not eat into the stage's retry budget.
func (s *Store) Park(ctx context.Context, id int64, resumeAt time.Time, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin park tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var statusStr string
	row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read job for park: %w", err)
	}
	if Status(statusStr) != StatusRunning {
		return fmt.Errorf("%w: job %d is %s", ErrNotRunning, id, statusStr)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, run_at = ?, error_message = ?,
             last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusWaitingRetry,
		resumeAt.UTC().Format(time.RFC3339Nano),
		nullableString(reason),
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("park job: %w", err)
	}
	return tx.Commit()
}

// Defer parks a running job until retryAt and records attempts retries
// against its current stage (minimum one). The stage pointer does not move.
func (s *Store) Defer(ctx context.Context, id int64, retryAt time.Time, reason string, attempts int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin defer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		stage       string
		statusStr   string
		retryCounts sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT stage, status, retry_counts_json FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&stage, &statusStr, &retryCounts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read job for defer: %w", err)
	}
	if Status(statusStr) != StatusRunning {
		return fmt.Errorf("%w: job %d is %s", ErrNotRunning, id, statusStr)
	}

	if attempts < 1 {
		attempts = 1
	}
	counts := unmarshalRetryCounts(retryCounts.String)
	if counts == nil {
		counts = make(map[string]int)
	}
	counts[stage] += attempts
	encoded, err := marshalRetryCounts(counts)
	if err != nil {
		return fmt.Errorf("encode retry counts: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, run_at = ?, error_message = ?, retry_counts_json = ?,
             last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusWaitingRetry,
		retryAt.UTC().Format(time.RFC3339Nano),
		nullableString(reason),
		nullableString(encoded),
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("defer job: %w", err)
	}
	return tx.Commit()
}

// MarkFailed finalizes a job as failed. The record stays inspectable: stage
// pointer, artifacts, and retry counts are preserved.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = ?, last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusFailed,
		nullableString(message),
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RequestStop flags a job for cooperative cancellation. Jobs not currently
// running finalize immediately; running jobs finish their in-flight stage
// first and are finalized by the workflow manager at the next boundary.
// The returned status is the job's status at the time of the request.
func (s *Store) RequestStop(ctx context.Context, id int64) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin stop tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var statusStr string
	row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read job for stop: %w", err)
	}
	status := Status(statusStr)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch status {
	case StatusPending, StatusWaitingRetry:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET status = ?, error_message = ?, stop_requested = 1,
                 run_at = NULL, last_heartbeat = NULL, updated_at = ?
             WHERE id = ?`,
			StatusFailed,
			UserStopReason,
			now,
			id,
		)
	case StatusRunning:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE jobs SET stop_requested = 1, updated_at = ? WHERE id = ?`,
			now,
			id,
		)
	default:
		// Terminal: nothing to stop.
		return status, tx.Commit()
	}
	if err != nil {
		return "", fmt.Errorf("request stop: %w", err)
	}
	return status, tx.Commit()
}

// ForceRerun rewinds a job to the target stage and deletes every artifact
// strictly after it in one transaction. The target stage's own artifact is
// kept and flagged so the re-run replaces it at a bumped version. Running
// jobs are rejected; callers must stop them first.
func (s *Store) ForceRerun(ctx context.Context, id int64, stage string, downstream []string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rerun tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var statusStr string
	row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&statusStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job for rerun: %w", err)
	}
	if Status(statusStr) == StatusRunning {
		return nil, fmt.Errorf("%w: stop job %d before forcing a re-run", ErrJobRunning, id)
	}

	if len(downstream) > 0 {
		placeholders := makePlaceholders(len(downstream))
		args := make([]any, 0, len(downstream)+1)
		args = append(args, id)
		for _, later := range downstream {
			args = append(args, later)
		}
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM artifacts WHERE job_id = ? AND stage IN (`+placeholders+`)`,
			args...,
		); err != nil {
			return nil, fmt.Errorf("invalidate downstream artifacts: %w", err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE jobs
         SET stage = ?, status = ?, force_stage = ?, error_message = NULL,
             stop_requested = 0, run_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		stage,
		StatusPending,
		stage,
		now,
		id,
	); err != nil {
		return nil, fmt.Errorf("rewind job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rerun: %w", err)
	}
	return s.GetByID(ctx, id)
}
