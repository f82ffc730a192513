package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bidforge-engine/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// New creates a new database connection. A single connection serialises
// writers so SQLite never reports SQLITE_BUSY to callers.
func New(dataSourceName string) (*DB, error) {
	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// Open creates the connection and initializes the schema
func Open(ctx context.Context, dataSourceName string) (*DB, error) {
	db, err := New(dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

// InitSchema initializes the database schema. Timestamps are unix nanoseconds
// so range predicates compare numerically.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		user_id TEXT,
		project_id TEXT,
		metadata TEXT,
		trace_id TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		current_step TEXT,
		result TEXT,
		error_message TEXT,
		error_kind TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		next_run_at INTEGER,
		idempotency_key TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS usage_credits (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		used_quantity INTEGER NOT NULL DEFAULT 0,
		valid_from INTEGER NOT NULL,
		valid_until INTEGER NOT NULL,
		CHECK (used_quantity <= quantity)
	);

	CREATE INDEX IF NOT EXISTS idx_credits_company_type ON usage_credits(company_id, credit_type, valid_until);

	CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		covered_quantity INTEGER NOT NULL,
		credit_id TEXT,
		unit_cost INTEGER NOT NULL,
		total_cost INTEGER NOT NULL,
		is_included INTEGER NOT NULL,
		period_start INTEGER NOT NULL,
		period_end INTEGER NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_company_period ON usage_events(company_id, period_start);

	CREATE TABLE IF NOT EXISTS subscriptions (
		company_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		current_period_start INTEGER NOT NULL,
		current_period_end INTEGER NOT NULL,
		active INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plan_limits (
		company_id TEXT NOT NULL,
		limit_type TEXT NOT NULL,
		max_value INTEGER NOT NULL,
		PRIMARY KEY (company_id, limit_type)
	);

	CREATE TABLE IF NOT EXISTS usage_counters (
		company_id TEXT NOT NULL,
		limit_type TEXT NOT NULL,
		period_start INTEGER NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (company_id, limit_type, period_start)
	);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}

// SaveJob inserts or replaces the persisted state of a job
func (db *DB) SaveJob(ctx context.Context, job *models.Job) error {
	metadata, err := marshalMap(job.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, type, payload, priority, status, attempts, max_attempts,
		                  user_id, project_id, metadata, trace_id, progress_percent, current_step,
		                  result, error_message, error_kind, created_at, updated_at,
		                  started_at, completed_at, next_run_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			progress_percent = excluded.progress_percent,
			current_step = excluded.current_step,
			result = excluded.result,
			error_message = excluded.error_message,
			error_kind = excluded.error_kind,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			next_run_at = excluded.next_run_at
	`, job.ID, job.Queue, string(job.Type), nullString(string(job.Payload)), string(job.Priority),
		string(job.Status), job.Attempts, job.MaxAttempts, nullString(job.UserID), nullString(job.ProjectID),
		metadata, job.TraceID, job.ProgressPercent, nullString(job.CurrentStep),
		nullString(string(job.Result)), nullString(job.ErrorMessage), nullString(string(job.ErrorKind)),
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
		nullNanos(job.StartedAt), nullNanos(job.CompletedAt), nullNanos(job.NextRunAt),
		nullString(job.IdempotencyKey))
	return err
}

const jobColumns = `id, queue, type, payload, priority, status, attempts, max_attempts,
	user_id, project_id, metadata, trace_id, progress_percent, current_step,
	result, error_message, error_kind, created_at, updated_at,
	started_at, completed_at, next_run_at, idempotency_key`

// GetJobByID retrieves a job by its ID
func (db *DB) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, models.ErrJobNotFound
	}
	return &jobs[0], nil
}

// GetJobByIdempotencyKey retrieves the job submitted under key
func (db *DB) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, models.ErrJobNotFound
	}
	return &jobs[0], nil
}

// LoadJobs returns the jobs of a queue in the given statuses, oldest first
func (db *DB) LoadJobs(ctx context.Context, queue string, statuses ...models.JobStatus) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ?`
	args := []interface{}{queue}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// DeleteJobs removes jobs by id
func (db *DB) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := db.ExecContext(ctx, "DELETE FROM jobs WHERE id IN ("+strings.Join(placeholders, ",")+")", args...)
	return err
}

// Helper functions

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		var job models.Job
		var jobType, priority, status string
		var payload, userID, projectID, metadata, currentStep, result, errorMessage, errorKind, idempotencyKey sql.NullString
		var createdAt, updatedAt int64
		var startedAt, completedAt, nextRunAt sql.NullInt64

		err := rows.Scan(&job.ID, &job.Queue, &jobType, &payload, &priority, &status,
			&job.Attempts, &job.MaxAttempts, &userID, &projectID, &metadata, &job.TraceID,
			&job.ProgressPercent, &currentStep, &result, &errorMessage, &errorKind,
			&createdAt, &updatedAt, &startedAt, &completedAt, &nextRunAt, &idempotencyKey)
		if err != nil {
			return nil, err
		}

		job.Type = models.JobType(jobType)
		job.Priority = models.Priority(priority)
		job.Status = models.JobStatus(status)
		job.UserID = userID.String
		job.ProjectID = projectID.String
		job.CurrentStep = currentStep.String
		job.ErrorMessage = errorMessage.String
		job.ErrorKind = models.ErrorKind(errorKind.String)
		job.IdempotencyKey = idempotencyKey.String
		if payload.Valid {
			job.Payload = json.RawMessage(payload.String)
		}
		if result.Valid {
			job.Result = json.RawMessage(result.String)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &job.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for job %s: %w", job.ID, err)
			}
		}
		job.CreatedAt = fromNanos(createdAt)
		job.UpdatedAt = fromNanos(updatedAt)
		job.StartedAt = fromNullNanos(startedAt)
		job.CompletedAt = fromNullNanos(completedAt)
		job.NextRunAt = fromNullNanos(nextRunAt)

		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
