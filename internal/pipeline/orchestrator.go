package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log"
	"time"

	"ingest-engine/internal/batch"
	"ingest-engine/internal/memguard"
	"ingest-engine/internal/models"
	"ingest-engine/internal/profile"
	"ingest-engine/internal/sampler"
	"ingest-engine/internal/telemetry"
)

// Stage-weighted progress marks. Progress within the parse stage is
// interpolated between the classify and parse marks per completed batch.
const (
	progressClassify = 0.25
	progressParse    = 0.60
	progressValidate = 0.75
	progressDedup    = 0.85
	progressPersist  = 1.0
)

// classifySampleSize is how many leading rows the classifier sees. The sample
// is buffered and replayed to the parse stage so the source stays single-pass.
const classifySampleSize = 100

// Deps are the orchestrator's collaborators. All are required except
// Progress and Errors, which degrade to no-ops.
type Deps struct {
	Classifier Classifier
	Parser     Parser
	Validator  Validator
	Persister  Persister
	States     StateStore
	Progress   ProgressSink
	Errors     ErrorSink
	Profiler   *profile.Profiler
	Sampler    *sampler.Sampler
}

// Options tune orchestration policy.
type Options struct {
	// Policy configures adaptive batch sizing for the parse stage.
	Policy batch.PolicyConfig
	// Workers bounds the parse worker pool; 0 means min(cores, 8).
	Workers int
	// StableOrder makes parse output follow submission order.
	StableOrder bool
	// MaxFailureRatio is the row-level failure ratio above which a stage is
	// fatal instead of recoverable. 0 means the default 0.5.
	MaxFailureRatio float64
	// MemoryThresholdMB bounds scoped budgets around validate/persist chunks.
	MemoryThresholdMB float64
	// ChunkSize is how many records one validate/persist chunk holds.
	ChunkSize int
	// AvailableMemoryMB overrides the host reading, for tests. 0 means read
	// from the host.
	AvailableMemoryMB float64
}

// Orchestrator sequences the pipeline stages for one job at a time and owns
// the job's state. Stages run synchronously from the caller's goroutine; the
// parse stage fans out internally through the batch executor.
type Orchestrator struct {
	deps Deps
	opts Options
}

// New builds an Orchestrator. Missing optional sinks are replaced with no-ops.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Profiler == nil {
		deps.Profiler = profile.New()
	}
	if deps.Sampler == nil {
		deps.Sampler = sampler.New()
	}
	if deps.Progress == nil {
		deps.Progress = nopProgress{}
	}
	if deps.Errors == nil {
		deps.Errors = nopErrors{}
	}
	if opts.MaxFailureRatio <= 0 {
		opts.MaxFailureRatio = 0.5
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// StartJob runs all stages for one job and returns its terminal state. The
// returned error is non-nil only for infrastructure failures before the first
// stage; stage failures terminate through the job's status instead.
//
// Re-invoking StartJob for the same job and input does not duplicate
// already-persisted records: the persister upserts, and the orchestrator adds
// no cross-retry dedup beyond within-run deduplication.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string, input Input) (models.JobState, error) {
	st := models.JobState{
		JobID:     jobID,
		Status:    models.StatusPending,
		SourceURI: input.SourceURI,
		TotalRows: input.TotalEstimate,
		Metadata:  map[string]string{},
		CreatedAt: time.Now().UTC(),
	}
	o.saveState(ctx, &st)

	// Buffer a leading sample for classification, then replay it ahead of the
	// remaining rows for parsing.
	sample, rest := takeSample(input.Rows, classifySampleSize)

	// Classify.
	o.enterStage(ctx, &st, models.StageClassify, 0)
	class, _, err := profile.Step(o.deps.Profiler, ctx, models.StageClassify, func(ctx context.Context) (Classification, error) {
		return o.deps.Classifier.Classify(ctx, sample)
	})
	if err != nil {
		return o.failJob(ctx, &st, models.StageClassify, err), nil
	}
	st.Metadata["format"] = class.Format
	o.advanceProgress(ctx, &st, progressClassify)

	// Parse: concurrent batches, adaptive sizing, per-batch feedback.
	o.enterStage(ctx, &st, models.StageParse, progressClassify)
	parsed, parseOut, err := o.runParse(ctx, &st, class, concat(sample, rest), input.TotalEstimate)
	if err != nil {
		return o.failJob(ctx, &st, models.StageParse, err), nil
	}
	st.ProcessedRows = parseOut.Processed
	o.advanceProgress(ctx, &st, progressParse)

	// Validate: recoverable row-level failures; a subset failing downgrades
	// the job, it does not halt it.
	o.enterStage(ctx, &st, models.StageValidate, progressParse)
	valid, invalid, err := o.runValidate(ctx, &st, parsed)
	if err != nil {
		return o.failJob(ctx, &st, models.StageValidate, err), nil
	}
	st.ProcessedRows = int64(len(valid))
	st.ErroredRows += int64(invalid)
	o.advanceProgress(ctx, &st, progressValidate)

	// Deduplicate within the run, first occurrence wins.
	o.enterStage(ctx, &st, models.StageDeduplicate, progressValidate)
	deduped, _, err := profile.Step(o.deps.Profiler, ctx, models.StageDeduplicate, func(context.Context) ([]models.Record, error) {
		unique, dropped := dedupe(valid)
		st.Metadata["duplicates_dropped"] = fmt.Sprintf("%d", dropped)
		return unique, nil
	})
	if err != nil {
		return o.failJob(ctx, &st, models.StageDeduplicate, err), nil
	}
	o.advanceProgress(ctx, &st, progressDedup)

	// Persist in bounded chunks under the memory guard.
	o.enterStage(ctx, &st, models.StagePersist, progressDedup)
	if _, _, err := profile.Step(o.deps.Profiler, ctx, models.StagePersist, func(ctx context.Context) (int, error) {
		return len(deduped), o.runPersist(ctx, jobID, deduped)
	}); err != nil {
		return o.failJob(ctx, &st, models.StagePersist, err), nil
	}

	// Terminal status.
	if invalid > 0 {
		st.Status = models.StatusPartialSuccess
		telemetry.JobsPartial.Inc()
	} else {
		st.Status = models.StatusCompleted
		telemetry.JobsCompleted.Inc()
	}
	o.advanceProgress(ctx, &st, progressPersist)
	o.saveState(ctx, &st)
	return st, nil
}

// runParse drives the batch executor over the raw rows.
func (o *Orchestrator) runParse(ctx context.Context, st *models.JobState, class Classification, rows iter.Seq[models.RawRow], total int64) ([]models.Record, batch.Outcome[models.Record], error) {
	policy := batch.NewPolicy(o.opts.Policy)
	availableMB := o.opts.AvailableMemoryMB
	if availableMB == 0 {
		availableMB = memguard.AvailableMemoryMB()
	}
	policy.Initial(total, availableMB)

	progress := func(processed, totalEstimate int64) {
		frac := 0.0
		if totalEstimate > 0 {
			frac = float64(processed) / float64(totalEstimate)
			if frac > 1 {
				frac = 1
			}
		}
		o.reportProgress(ctx, st, progressClassify+(progressParse-progressClassify)*frac, processed, totalEstimate)
	}

	exec := batch.NewExecutor[models.RawRow, models.Record](policy, o.deps.Sampler,
		batch.WithWorkers[models.RawRow, models.Record](o.opts.Workers),
		batch.WithStableOrder[models.RawRow, models.Record](o.opts.StableOrder),
		batch.WithTotalEstimate[models.RawRow, models.Record](total),
		batch.WithProgress[models.RawRow, models.Record](progress),
	)

	out, _, err := profile.Step(o.deps.Profiler, ctx, models.StageParse, func(ctx context.Context) (batch.Outcome[models.Record], error) {
		return exec.Process(ctx, rows, func(ctx context.Context, items []models.RawRow) ([]models.Record, error) {
			return o.deps.Parser.Parse(ctx, class, items)
		})
	})
	if err != nil {
		return nil, out, fmt.Errorf("parse run aborted: %w", err)
	}

	// Batch failures are absorbed per batch; the stage as a whole is fatal
	// only when the failed-row ratio crosses the configured policy line.
	failedRows := out.Processed - int64(len(out.Results))
	if out.Processed > 0 && float64(failedRows)/float64(out.Processed) > o.opts.MaxFailureRatio {
		return nil, out, fmt.Errorf("parse failed for %d of %d rows", failedRows, out.Processed)
	}
	st.ErroredRows += failedRows
	return out.Results, out, nil
}

// runValidate partitions records into valid and invalid, recording one error
// per invalid row. Crossing the failure-ratio line upgrades the stage to
// fatal.
func (o *Orchestrator) runValidate(ctx context.Context, st *models.JobState, recs []models.Record) ([]models.Record, int, error) {
	guard := memguard.NewGuard(o.opts.MemoryThresholdMB)
	valid := make([]models.Record, 0, len(recs))
	invalid := 0

	_, _, err := profile.Step(o.deps.Profiler, ctx, models.StageValidate, func(ctx context.Context) (int, error) {
		for out, chunkErr := range memguard.Chunked(guard, sliceSeq(recs), o.opts.ChunkSize, func(chunk []models.Record) ([]models.Record, error) {
			kept := make([]models.Record, 0, len(chunk))
			for _, rec := range chunk {
				if vErr := o.deps.Validator.Validate(ctx, rec); vErr != nil {
					invalid++
					o.recordError(ctx, models.ErrorRecord{
						JobID:     st.JobID,
						Category:  "validation",
						Message:   vErr.Error(),
						Severity:  models.SeverityWarning,
						RowNumber: ptr(rec.RowIndex),
					})
					continue
				}
				kept = append(kept, rec)
			}
			return kept, nil
		}) {
			if chunkErr != nil {
				return 0, chunkErr
			}
			valid = append(valid, out...)
		}
		return len(valid), nil
	})
	if err != nil {
		return nil, invalid, err
	}

	if len(recs) > 0 && float64(invalid)/float64(len(recs)) > o.opts.MaxFailureRatio {
		return nil, invalid, fmt.Errorf("validation failed for %d of %d rows", invalid, len(recs))
	}
	return valid, invalid, nil
}

func (o *Orchestrator) runPersist(ctx context.Context, jobID string, recs []models.Record) error {
	guard := memguard.NewGuard(o.opts.MemoryThresholdMB)
	for _, chunkErr := range memguard.Chunked(guard, sliceSeq(recs), o.opts.ChunkSize, func(chunk []models.Record) ([]struct{}, error) {
		return nil, o.deps.Persister.Persist(ctx, jobID, chunk)
	}) {
		if chunkErr != nil {
			return fmt.Errorf("persist chunk: %w", chunkErr)
		}
	}
	return nil
}

// enterStage moves the job into a stage at its starting progress mark.
func (o *Orchestrator) enterStage(ctx context.Context, st *models.JobState, stage string, startMark float64) {
	st.Stage = stage
	if st.Status == models.StatusPending {
		st.Status = models.StatusProcessing
	}
	o.advanceProgress(ctx, st, startMark)
	o.saveState(ctx, st)
}

// failJob records a structured critical error, marks the job Failed, and
// halts; no later stage runs.
func (o *Orchestrator) failJob(ctx context.Context, st *models.JobState, stage string, err error) models.JobState {
	o.recordError(ctx, models.ErrorRecord{
		JobID:    st.JobID,
		Category: stage,
		Message:  err.Error(),
		Severity: models.SeverityCritical,
	})
	msg := err.Error()
	st.Status = models.StatusFailed
	st.LastError = &msg
	o.saveState(ctx, st)
	telemetry.JobsFailed.Inc()
	return *st
}

// advanceProgress raises progress to mark, never lowering it.
func (o *Orchestrator) advanceProgress(ctx context.Context, st *models.JobState, mark float64) {
	if mark > st.Progress {
		st.Progress = mark
	}
	o.reportProgress(ctx, st, st.Progress, st.ProcessedRows, st.TotalRows)
}

func (o *Orchestrator) reportProgress(ctx context.Context, st *models.JobState, progress float64, processed, total int64) {
	if progress < st.Progress {
		progress = st.Progress
	}
	st.Progress = progress
	// Progress reporting is best effort: a sink outage never fails the job.
	if err := o.deps.Progress.Report(ctx, st.JobID, progress, processed, total); err != nil {
		log.Printf("pipeline: progress report failed for %s: %v", st.JobID, err)
	}
}

func (o *Orchestrator) saveState(ctx context.Context, st *models.JobState) {
	st.UpdatedAt = time.Now().UTC()
	if err := o.deps.States.SaveState(ctx, *st); err != nil {
		log.Printf("pipeline: save state failed for %s: %v", st.JobID, err)
	}
}

func (o *Orchestrator) recordError(ctx context.Context, rec models.ErrorRecord) {
	rec.Recorded = time.Now().UTC()
	if err := o.deps.Errors.Record(ctx, rec); err != nil {
		log.Printf("pipeline: error record failed for %s: %v", rec.JobID, err)
	}
}

// dedupe keeps the first occurrence of each record key. Records without a key
// are kept unconditionally.
func dedupe(recs []models.Record) ([]models.Record, int) {
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0:0]
	dropped := 0
	for _, r := range recs {
		if r.Key == "" {
			out = append(out, r)
			continue
		}
		if _, dup := seen[r.Key]; dup {
			dropped++
			continue
		}
		seen[r.Key] = struct{}{}
		out = append(out, r)
	}
	return out, dropped
}

// takeSample pulls up to n rows off the front of seq, returning them plus the
// untouched remainder.
func takeSample(seq iter.Seq[models.RawRow], n int) ([]models.RawRow, iter.Seq[models.RawRow]) {
	next, stop := iter.Pull(seq)
	sample := make([]models.RawRow, 0, n)
	for len(sample) < n {
		row, ok := next()
		if !ok {
			stop()
			return sample, emptySeq
		}
		sample = append(sample, row)
	}
	rest := func(yield func(models.RawRow) bool) {
		defer stop()
		for {
			row, ok := next()
			if !ok {
				return
			}
			if !yield(row) {
				return
			}
		}
	}
	return sample, rest
}

func concat(head []models.RawRow, tail iter.Seq[models.RawRow]) iter.Seq[models.RawRow] {
	return func(yield func(models.RawRow) bool) {
		for _, r := range head {
			if !yield(r) {
				return
			}
		}
		for r := range tail {
			if !yield(r) {
				return
			}
		}
	}
}

func sliceSeq[T any](items []T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, it := range items {
			if !yield(it) {
				return
			}
		}
	}
}

func emptySeq(func(models.RawRow) bool) {}

func ptr[T any](v T) *T { return &v }

type nopProgress struct{}

func (nopProgress) Report(context.Context, string, float64, int64, int64) error { return nil }

type nopErrors struct{}

func (nopErrors) Record(context.Context, models.ErrorRecord) error { return nil }
