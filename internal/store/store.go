package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for uploads, jobs and reports.
type Store struct {
	db *sql.DB
}

var (
	ErrConflict = errors.New("idempotent job already exists")
	ErrNotFound = errors.New("not found")
)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers; callers never nest queries
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upload status values.
const (
	UploadQueued     = "queued"
	UploadProcessing = "processing"
	UploadDone       = "done"
	UploadError      = "error"
)

// Upload tracks a dataset file through the job stages.
type Upload struct {
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	Status     string    `json:"status"`
	LastStage  string    `json:"last_stage"`
	LastError  *string   `json:"last_error"`
	ReportName *string   `json:"report_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Job represents a pipeline job persisted to DB.
type Job struct {
	ID             int64      `json:"id"`
	FileID         string     `json:"file_id"`
	Stage          string     `json:"stage"`
	Status         string     `json:"status"`
	ParamsJSON     string     `json:"params_json"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

// UpsertUpload records file metadata, keeping created_at of an existing row.
func (s *Store) UpsertUpload(ctx context.Context, u Upload) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO uploads(file_id, filename, size_bytes, sha256, status, last_stage, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET filename=excluded.filename, size_bytes=excluded.size_bytes, sha256=excluded.sha256, status=excluded.status, last_stage=excluded.last_stage, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		u.FileID, u.Filename, u.SizeBytes, u.SHA256, u.Status, u.LastStage, u.LastError, u.CreatedAt, u.UpdatedAt)
	return err
}

// UpdateUploadStage updates the upload record when a stage completes.
func (s *Store) UpdateUploadStage(ctx context.Context, fileID, stage, status string, errMsg *string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO uploads(file_id, filename, status, last_stage, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET status=excluded.status, last_stage=excluded.last_stage, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		fileID, fileID, status, stage, errMsg, ts, ts)
	return err
}

// SetUploadReport links an upload to the report produced from it.
func (s *Store) SetUploadReport(ctx context.Context, fileID, reportName string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE uploads SET report_name=?, updated_at=? WHERE file_id=?`, reportName, ts, fileID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("upload %s: %w", fileID, ErrNotFound)
	}
	return nil
}

const uploadColumns = `file_id, filename, size_bytes, sha256, status, last_stage, last_error, report_name, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (Upload, error) {
	var u Upload
	var sha, stage, errMsg, report sql.NullString
	var created, updated sql.NullTime
	if err := row.Scan(&u.FileID, &u.Filename, &u.SizeBytes, &sha, &u.Status, &stage, &errMsg, &report, &created, &updated); err != nil {
		return u, err
	}
	u.SHA256 = sha.String
	u.LastStage = stage.String
	if errMsg.Valid {
		u.LastError = &errMsg.String
	}
	if report.Valid {
		u.ReportName = &report.String
	}
	u.CreatedAt = created.Time
	u.UpdatedAt = updated.Time
	return u, nil
}

// GetUpload returns the upload with the given id or ErrNotFound.
func (s *Store) GetUpload(ctx context.Context, fileID string) (*Upload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE file_id=?`, fileID)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUploads(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+uploadColumns+` FROM uploads ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// UploadStatuses maps every known file id to its status.
func (s *Store) UploadStatuses(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, status FROM uploads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

func (s *Store) RecordJob(ctx context.Context, j *Job) (*Job, error) {
	if j.ParamsJSON == "" {
		j.ParamsJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs(file_id, stage, status, params_json, idempotency_key, created_at, updated_at) VALUES(?,?,?,?,?,?,?)`,
		j.FileID, j.Stage, j.Status, j.ParamsJSON, j.IdempotencyKey, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	j.ID = id
	return j, nil
}

const jobColumns = `id, file_id, stage, status, params_json, idempotency_key, created_at, updated_at, started_at, finished_at`

func scanJob(row scanner) (Job, error) {
	var j Job
	var params sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&j.ID, &j.FileID, &j.Stage, &j.Status, &params, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt, &started, &finished); err != nil {
		return j, err
	}
	j.ParamsJSON = params.String
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return j, nil
}

// FetchJobByIdempotency returns existing job if present.
func (s *Store) FetchJobByIdempotency(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=?`, key)
	j, err := scanJob(row)
	switch {
	case err == nil:
		return &j, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, err
	}
}

// GetJob returns the job with the given id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) MarkJobStarted(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=?, updated_at=? WHERE id=?`, "running", ts, ts, id)
	return err
}

func (s *Store) MarkJobFinished(ctx context.Context, id int64, status string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, finished_at=?, updated_at=? WHERE id=?`, status, ts, ts, id)
	return err
}

// RequeueJob resets a finished job so it can run again.
func (s *Store) RequeueJob(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=NULL, finished_at=NULL, updated_at=? WHERE id=?`, "queued", ts, id)
	return err
}

func (s *Store) AppendJobLog(ctx context.Context, id int64, line string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs(job_id, line, created_at) VALUES(?,?,?)`, id, line, ts)
	return err
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) JobLogs(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM job_logs WHERE job_id=? ORDER BY rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// InsertJobIdempotent records a job if idempotency key is new.
func (s *Store) InsertJobIdempotent(ctx context.Context, j *Job) (*Job, error) {
	existing, err := s.FetchJobByIdempotency(ctx, j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrConflict
	}
	return s.RecordJob(ctx, j)
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
