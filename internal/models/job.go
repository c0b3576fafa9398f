package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// PartialSuccess, Completed and Failed are terminal and absorbing: once a job
// reaches one of them, no further status writes are accepted.
const (
	StatusPending        = "pending"
	StatusProcessing     = "processing"
	StatusPartialSuccess = "partial_success"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusPartialSuccess || status == StatusCompleted || status == StatusFailed
}

// statusRank orders statuses so that transitions are monotonic toward a
// terminal state. A transition is legal only if it does not decrease rank.
var statusRank = map[string]int{
	StatusPending:        0,
	StatusProcessing:     1,
	StatusPartialSuccess: 2,
	StatusCompleted:      2,
	StatusFailed:         2,
}

// CanTransition reports whether moving from one status to another respects
// the monotonic lifecycle.
func CanTransition(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr >= fr
}

// Stage enumerates pipeline phases in execution order.
const (
	StageClassify    = "classify"
	StageParse       = "parse"
	StageValidate    = "validate"
	StageDeduplicate = "deduplicate"
	StagePersist     = "persist"
)

// JobState represents one ingestion job persisted in Postgres. It is owned
// exclusively by the orchestrator and mutated only at stage boundaries.
type JobState struct {
	JobID         string            `json:"job_id"`
	Stage         string            `json:"stage"`
	Progress      float64           `json:"progress"`
	ProcessedRows int64             `json:"processed_rows"`
	TotalRows     int64             `json:"total_rows"`
	ErroredRows   int64             `json:"errored_rows"`
	Status        string            `json:"status"`
	SourceURI     string            `json:"source_uri"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastError     *string           `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Error severities recorded against a job.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// ErrorRecord is a structured row-level or stage-level error attached to a job.
type ErrorRecord struct {
	JobID     string    `json:"job_id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	RowNumber *int64    `json:"row_number,omitempty"`
	RawData   *string   `json:"raw_data,omitempty"`
	Recorded  time.Time `json:"recorded_at"`
}

// RawRow is one line of input before parsing, tagged with its position in the
// source so callers needing original order can carry a stable sort key.
type RawRow struct {
	Index int64  `json:"index"`
	Data  string `json:"data"`
}

// Record is a validated domain record ready for persistence. Key is the
// dedup/upsert identity within a job.
type Record struct {
	JobID    string            `json:"job_id"`
	RowIndex int64             `json:"row_index"`
	Key      string            `json:"key"`
	Fields   map[string]string `json:"fields"`
}
