package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ingest-engine/internal/batch"
	"ingest-engine/internal/config"
	"ingest-engine/internal/memguard"
	"ingest-engine/internal/models"
	"ingest-engine/internal/pipeline"
	"ingest-engine/internal/progress"
	"ingest-engine/internal/sampler"
	"ingest-engine/internal/source"
	"ingest-engine/internal/store"
	"ingest-engine/internal/telemetry"
)

// Runner claims pending jobs from Postgres and drives each one through the
// ingestion pipeline. One Runner processes one job at a time; parallelism
// inside a job comes from the batch executor, parallelism across jobs from
// running more worker replicas.
type Runner struct {
	cfg      config.Config
	store    *store.Store
	keeper   *progress.Keeper
	s3       *source.S3Source
	workerID string
}

// NewRunner constructs a Runner. The S3 source may be nil when only local
// files are ingested.
func NewRunner(cfg config.Config, st *store.Store, keeper *progress.Keeper, s3 *source.S3Source, workerID string) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    st,
		keeper:   keeper,
		s3:       s3,
		workerID: workerID,
	}
}

// Run starts the claim loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, ok, err := r.store.ClaimPending(ctx)
		if err != nil {
			log.Printf("worker %s: claim: %v", r.workerID, err)
			time.Sleep(r.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			time.Sleep(r.cfg.WorkerPollInterval)
			continue
		}

		telemetry.InFlightGauge.Inc()
		final, err := r.runJob(ctx, job)
		telemetry.InFlightGauge.Dec()
		if err != nil {
			log.Printf("worker %s: job %s: %v", r.workerID, job.JobID, err)
			continue
		}
		log.Printf("worker %s: job %s finished status=%s rows=%d errors=%d",
			r.workerID, job.JobID, final.Status, final.ProcessedRows, final.ErroredRows)
	}
}

func (r *Runner) runJob(ctx context.Context, job models.JobState) (models.JobState, error) {
	input, err := r.openSource(ctx, job)
	if err != nil {
		// The source could not be opened at all; fail the job directly so it
		// does not sit in processing forever.
		msg := err.Error()
		job.Status = models.StatusFailed
		job.LastError = &msg
		_ = r.store.SaveState(ctx, job)
		telemetry.JobsFailed.Inc()
		return job, err
	}

	orc := pipeline.New(pipeline.Deps{
		Classifier: pipeline.DelimiterClassifier{},
		Parser:     pipeline.DelimitedParser{},
		Validator:  pipeline.RequiredFieldsValidator{},
		Persister:  r.store,
		States:     r.store,
		Progress:   r.keeper,
		Errors:     r.store,
		Sampler: sampler.New(
			sampler.WithInterval(r.cfg.SampleInterval),
			sampler.WithJoinWait(r.cfg.SamplerJoinWait),
		),
	}, pipeline.Options{
		Policy: batch.PolicyConfig{
			MinBatchSize:     r.cfg.MinBatchSize,
			MaxBatchSize:     r.cfg.MaxBatchSize,
			PerKiloRowCostMB: r.cfg.PerKiloRowCostMB,
		},
		Workers:           r.cfg.MaxWorkers,
		StableOrder:       r.cfg.StableOrder,
		MaxFailureRatio:   r.cfg.MaxFailureRatio,
		MemoryThresholdMB: r.cfg.MemoryThresholdMB,
		ChunkSize:         r.cfg.ChunkSize,
		AvailableMemoryMB: memguard.AvailableMemoryMB(),
	})

	return orc.StartJob(ctx, job.JobID, input)
}

// openSource resolves a job's source URI into a lazy row stream. Local paths
// get a line count upfront so progress can be exact; S3 objects stream without
// one unless the submitter provided total_rows.
func (r *Runner) openSource(ctx context.Context, job models.JobState) (pipeline.Input, error) {
	uri := job.SourceURI
	input := pipeline.Input{SourceURI: uri, TotalEstimate: job.TotalRows}

	if bucket, key, ok := splitS3URI(uri); ok {
		if r.s3 == nil {
			return pipeline.Input{}, fmt.Errorf("s3 source %s: no s3 client configured", uri)
		}
		input.Rows = r.s3.Lines(ctx, bucket, key)
		return input, nil
	}

	path := strings.TrimPrefix(uri, "file://")
	if input.TotalEstimate == 0 {
		n, err := source.CountFileLines(path)
		if err != nil {
			return pipeline.Input{}, fmt.Errorf("count lines %s: %w", path, err)
		}
		input.TotalEstimate = n
	}
	input.Rows = source.FileLines(path)
	return input, nil
}

func splitS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
