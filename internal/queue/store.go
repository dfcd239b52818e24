package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"shortform/internal/config"
)

// Sentinel errors surfaced by store operations.
var (
	ErrNotClaimed     = errors.New("job not claimable")
	ErrNotRunning     = errors.New("job not running")
	ErrJobRunning     = errors.New("job is running")
	ErrStageMismatch  = errors.New("stage mismatch")
	ErrArtifactExists = errors.New("artifact already recorded for stage")
	ErrNotFound       = errors.New("job not found")
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.QueueDatabasePath())
}

// OpenPath connects to the queue database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// NewJob inserts a job at its first stage.
func (s *Store) NewJob(ctx context.Context, params NewJobParams) (*Job, error) {
	if strings.TrimSpace(params.Subject) == "" {
		return nil, errors.New("subject is required")
	}
	if strings.TrimSpace(params.FirstStage) == "" {
		return nil, errors.New("first stage is required")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	projectName := strings.TrimSpace(params.ProjectName)
	if projectName == "" {
		projectName = ProjectNameFor(params.Subject, now)
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            uuid, subject, affiliate_link, style, project_name, auto_publish,
            stage, status, run_at, batch_id, batch_index, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		strings.TrimSpace(params.Subject),
		nullableString(strings.TrimSpace(params.AffiliateLink)),
		nullableString(strings.TrimSpace(params.Style)),
		projectName,
		boolToInt(params.AutoPublish),
		params.FirstStage,
		StatusPending,
		nullableTime(params.RunAt),
		nullableString(params.BatchID),
		params.BatchIndex,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByUUID fetches a job by its public identifier.
func (s *Store) GetByUUID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE uuid = ?`, strings.TrimSpace(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by uuid: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by status set (or all jobs when no status is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListBatch returns jobs belonging to a batch ordered by batch index.
func (s *Store) ListBatch(ctx context.Context, batchID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = ? ORDER BY batch_index, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextReady returns up to limit jobs whose run_at gate has passed, oldest
// eligibility first. Jobs stay in their eligible status until Claim succeeds.
func (s *Store) NextReady(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status IN (?, ?) AND (run_at IS NULL OR run_at <= ?)
         ORDER BY COALESCE(run_at, created_at), id
         LIMIT ?`,
		StatusPending,
		StatusWaitingRetry,
		now.UTC().Format(time.RFC3339Nano),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("next ready: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextWake returns the earliest future run_at among eligible jobs, or nil
// when nothing is scheduled.
func (s *Store) NextWake(ctx context.Context, now time.Time) (*time.Time, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT MIN(run_at) FROM jobs WHERE status IN (?, ?) AND run_at > ?`,
		StatusPending,
		StatusWaitingRetry,
		now.UTC().Format(time.RFC3339Nano),
	)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("next wake: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	when, err := parseTimeString(raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse next wake: %w", err)
	}
	return &when, nil
}

// ArtifactsForJob returns the job's artifacts in stage completion order.
func (s *Store) ArtifactsForJob(ctx context.Context, jobID int64) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("artifacts for job: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// ArtifactForStage returns the artifact recorded for a stage, or nil.
func (s *Store) ArtifactForStage(ctx context.Context, jobID int64, stage string) (*Artifact, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? AND stage = ?`,
		jobID,
		stage,
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact for stage: %w", err)
	}
	return artifact, nil
}

const jobColumns = "id, uuid, subject, affiliate_link, style, project_name, auto_publish, stage, status, error_message, retry_counts_json, run_at, batch_id, batch_index, stop_requested, force_stage, last_heartbeat, created_at, updated_at"

const artifactColumns = "id, job_id, stage, kind, ref, detail_json, version, created_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id            int64
		jobUUID       string
		subject       string
		affiliateLink sql.NullString
		style         sql.NullString
		projectName   sql.NullString
		autoPublish   sql.NullInt64
		stage         string
		statusStr     string
		errorMessage  sql.NullString
		retryCounts   sql.NullString
		runAtRaw      sql.NullString
		batchID       sql.NullString
		batchIndex    sql.NullInt64
		stopRequested sql.NullInt64
		forceStage    sql.NullString
		heartbeatRaw  sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&jobUUID,
		&subject,
		&affiliateLink,
		&style,
		&projectName,
		&autoPublish,
		&stage,
		&statusStr,
		&errorMessage,
		&retryCounts,
		&runAtRaw,
		&batchID,
		&batchIndex,
		&stopRequested,
		&forceStage,
		&heartbeatRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:            id,
		UUID:          jobUUID,
		Subject:       subject,
		AffiliateLink: affiliateLink.String,
		Style:         style.String,
		ProjectName:   projectName.String,
		Stage:         stage,
		Status:        Status(statusStr),
		ErrorMessage:  errorMessage.String,
		RetryCounts:   unmarshalRetryCounts(retryCounts.String),
		BatchID:       batchID.String,
		BatchIndex:    int(batchIndex.Int64),
		ForceStage:    forceStage.String,
	}
	if autoPublish.Valid {
		job.AutoPublish = autoPublish.Int64 != 0
	}
	if stopRequested.Valid {
		job.StopRequested = stopRequested.Int64 != 0
	}
	if runAtRaw.Valid {
		if runAt, err := parseTimeString(runAtRaw.String); err == nil {
			job.RunAt = &runAt
		}
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			job.LastHeartbeat = &heartbeat
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*Artifact, error) {
	var (
		id         int64
		jobID      int64
		stage      string
		kind       string
		ref        sql.NullString
		detail     sql.NullString
		version    int
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &jobID, &stage, &kind, &ref, &detail, &version, &createdRaw); err != nil {
		return nil, err
	}
	artifact := &Artifact{
		ID:         id,
		JobID:      jobID,
		Stage:      stage,
		Kind:       kind,
		Ref:        ref.String,
		DetailJSON: detail.String,
		Version:    version,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		artifact.CreatedAt = created
	}
	return artifact, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
