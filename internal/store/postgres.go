package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence of job state, ingested
// records, and error records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	SourceURI string
	TotalRows int64
	Metadata  map[string]string
}

// CreateJob inserts a Pending job row and returns its state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.JobState, error) {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.JobState{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, status, source_uri, total_rows, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, models.StatusPending, p.SourceURI, p.TotalRows, metaJSON, now)
	if err != nil {
		return models.JobState{}, fmt.Errorf("insert job: %w", err)
	}

	return models.JobState{
		JobID:     id,
		Status:    models.StatusPending,
		SourceURI: p.SourceURI,
		TotalRows: p.TotalRows,
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, stage, progress, processed_rows, total_rows, errored_rows,
		       status, source_uri, metadata, last_error, created_at, updated_at
		FROM jobs WHERE job_id = $1
	`, id)

	var st models.JobState
	var metaJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&st.JobID, &st.Stage, &st.Progress, &st.ProcessedRows, &st.TotalRows,
		&st.ErroredRows, &st.Status, &st.SourceURI, &metaJSON, &lastErr, &st.CreatedAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobState{}, fmt.Errorf("job not found: %w", err)
		}
		return models.JobState{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &st.Metadata); err != nil {
		return models.JobState{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	st.LastError = textPtr(lastErr)
	return st, nil
}

// SaveState persists a job-state snapshot. Terminal rows are absorbing: once
// a job reaches partial_success, completed or failed the write is skipped,
// keeping status transitions monotonic even across racing writers.
func (s *Store) SaveState(ctx context.Context, st models.JobState) error {
	metaJSON, err := json.Marshal(st.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET stage = $2, progress = GREATEST(progress, $3), processed_rows = $4,
		    total_rows = $5, errored_rows = $6, status = $7, metadata = $8,
		    last_error = $9, updated_at = NOW()
		WHERE job_id = $1 AND status NOT IN ($10, $11, $12)
	`, st.JobID, st.Stage, st.Progress, st.ProcessedRows, st.TotalRows, st.ErroredRows,
		st.Status, metaJSON, st.LastError,
		models.StatusPartialSuccess, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

// ClaimPending atomically claims the oldest Pending job for processing.
// Returns false when no job is waiting.
func (s *Store) ClaimPending(ctx context.Context) (models.JobState, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id
	`, models.StatusProcessing, models.StatusPending)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobState{}, false, nil
		}
		return models.JobState{}, false, fmt.Errorf("claim pending job: %w", err)
	}
	st, err := s.GetJob(ctx, id)
	if err != nil {
		return models.JobState{}, false, err
	}
	return st, true, nil
}

// Persist upserts validated records keyed by (job_id, record_key), so a
// retried stage never duplicates rows.
func (s *Store) Persist(ctx context.Context, jobID string, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("marshal record fields: %w", err)
		}
		batch.Queue(`
			INSERT INTO records (job_id, record_key, row_index, fields)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (job_id, record_key)
			DO UPDATE SET row_index = EXCLUDED.row_index, fields = EXCLUDED.fields, updated_at = NOW()
		`, jobID, rec.Key, rec.RowIndex, fieldsJSON)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range recs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
	}
	return nil
}

// Record appends one structured error row.
func (s *Store) Record(ctx context.Context, rec models.ErrorRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_records (job_id, category, message, severity, row_number, raw_data, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.JobID, rec.Category, rec.Message, rec.Severity, rec.RowNumber, rec.RawData, rec.Recorded)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// ListErrors returns the most recent error records for a job.
func (s *Store) ListErrors(ctx context.Context, jobID string, limit int64) ([]models.ErrorRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, category, message, severity, row_number, raw_data, recorded_at
		FROM error_records WHERE job_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query error records: %w", err)
	}
	defer rows.Close()

	var out []models.ErrorRecord
	for rows.Next() {
		var rec models.ErrorRecord
		var rowNum pgtype.Int8
		var raw pgtype.Text
		if err := rows.Scan(&rec.JobID, &rec.Category, &rec.Message, &rec.Severity, &rowNum, &raw, &rec.Recorded); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		if rowNum.Valid {
			rec.RowNumber = &rowNum.Int64
		}
		rec.RawData = textPtr(raw)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRecords returns how many records a job has persisted.
func (s *Store) CountRecords(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM records WHERE job_id = $1
	`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
