package pipeline

import (
	"context"
	"iter"

	"ingest-engine/internal/models"
)

// Classification describes what the classifier detected about an input file.
// The real format/carrier model lives outside this module; anything it learns
// beyond format and delimiter travels in Metadata.
type Classification struct {
	Format    string
	Delimiter string
	Columns   []string
	Metadata  map[string]string
}

// Classifier inspects a sample of raw rows and decides how the file should be
// parsed.
type Classifier interface {
	Classify(ctx context.Context, sample []models.RawRow) (Classification, error)
}

// Parser turns a batch of raw rows into domain records. Errors fail the batch
// they belong to, not the whole run.
type Parser interface {
	Parse(ctx context.Context, class Classification, rows []models.RawRow) ([]models.Record, error)
}

// Validator checks one record. A returned error marks the record invalid; it
// is recoverable and never fails the stage by itself.
type Validator interface {
	Validate(ctx context.Context, rec models.Record) error
}

// Persister writes validated records. Implementations must upsert so that
// re-invoking a stage for the same job and input does not duplicate rows.
type Persister interface {
	Persist(ctx context.Context, jobID string, recs []models.Record) error
}

// StateStore persists job state at stage boundaries.
type StateStore interface {
	SaveState(ctx context.Context, st models.JobState) error
}

// ProgressSink receives progress updates for external observers.
type ProgressSink interface {
	Report(ctx context.Context, jobID string, progress float64, processed, total int64) error
}

// ErrorSink records structured job errors.
type ErrorSink interface {
	Record(ctx context.Context, rec models.ErrorRecord) error
}

// Input is one ingestion request: a lazy, single-pass row source plus an
// optional total estimate (0 when unknown).
type Input struct {
	Rows          iter.Seq[models.RawRow]
	TotalEstimate int64
	SourceURI     string
}
