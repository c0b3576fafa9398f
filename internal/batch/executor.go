package batch

import (
	"context"
	"iter"
	"log"
	"runtime"
	"sort"

	"ingest-engine/internal/memguard"
	"ingest-engine/internal/sampler"
	"ingest-engine/internal/telemetry"
)

// Transform processes one batch of items. A returned error fails the batch,
// not the run.
type Transform[T, R any] func(ctx context.Context, items []T) ([]R, error)

// ProgressFunc is invoked once per completed batch with cumulative counts.
// total is the caller's estimate and may be 0 when unknown.
type ProgressFunc func(processed, total int64)

// Descriptor identifies one submitted batch. It lives from submission until
// the batch resolves.
type Descriptor struct {
	ID        int
	ItemCount int
}

// Outcome aggregates a full executor run.
type Outcome[R any] struct {
	Results     []R
	Processed   int64
	ErrorsCount int64
	Metrics     sampler.Metrics
}

// Executor consumes an input sequence lazily, groups it into batches sized by
// the policy, and runs a caller-supplied transform concurrently across a
// bounded worker pool. Each batch is individually measured and fed back into
// the policy immediately after it resolves, so batch size may change mid-run.
//
// Results are concatenated in completion order unless stable order is
// requested; per-item order inside a batch is always preserved.
type Executor[T, R any] struct {
	policy      *Policy
	sampler     *sampler.Sampler
	workers     int
	stableOrder bool
	total       int64
	progress    ProgressFunc
}

// ExecOption configures an Executor.
type ExecOption[T, R any] func(*Executor[T, R])

// WithWorkers bounds the worker pool. Values <= 0 keep the default
// min(cores, 8).
func WithWorkers[T, R any](n int) ExecOption[T, R] {
	return func(e *Executor[T, R]) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithStableOrder makes the executor reassemble batch results in submission
// order instead of completion order.
func WithStableOrder[T, R any](stable bool) ExecOption[T, R] {
	return func(e *Executor[T, R]) { e.stableOrder = stable }
}

// WithTotalEstimate supplies the expected item count used for progress
// fractions. 0 means unknown.
func WithTotalEstimate[T, R any](total int64) ExecOption[T, R] {
	return func(e *Executor[T, R]) {
		if total > 0 {
			e.total = total
		}
	}
}

// WithProgress registers a per-batch progress callback.
func WithProgress[T, R any](fn ProgressFunc) ExecOption[T, R] {
	return func(e *Executor[T, R]) { e.progress = fn }
}

// NewExecutor builds an Executor around a policy and sampler.
func NewExecutor[T, R any](policy *Policy, s *sampler.Sampler, opts ...ExecOption[T, R]) *Executor[T, R] {
	e := &Executor[T, R]{
		policy:  policy,
		sampler: s,
		workers: defaultWorkers(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// resolution carries one resolved batch back to the collecting goroutine.
type resolution[R any] struct {
	desc    Descriptor
	results []R
	metrics sampler.Metrics
	err     error
}

// Process drains the source to completion. Batch transform failures are
// isolated: the error is counted, the batch contributes no results, and the
// run continues. The returned error is non-nil only when the context is
// cancelled before the source is exhausted; already-started batches are
// drained, not aborted.
func (e *Executor[T, R]) Process(ctx context.Context, source iter.Seq[T], transform Transform[T, R]) (Outcome[R], error) {
	run := e.sampler.Start()
	telemetry.BatchSizeGauge.Set(float64(e.policy.Current()))

	sem := make(chan struct{}, e.workers)
	resolutions := make(chan resolution[R], e.workers)

	var (
		out      Outcome[R]
		ordered  []resolution[R]
		inflight int
		nextID   int
		ctxErr   error
	)

	collect := func(r resolution[R]) {
		inflight--
		// Failed batches contribute no results but their count is still
		// tallied toward processed items.
		out.Processed += int64(r.desc.ItemCount)
		run.AddRows(int64(r.desc.ItemCount))
		telemetry.BatchesCompleted.Inc()
		telemetry.InFlightGauge.Dec()
		if r.err != nil {
			out.ErrorsCount++
			run.AddErrors(1)
			telemetry.BatchesFailed.Inc()
			log.Printf("batch %d failed (%d items): %v", r.desc.ID, r.desc.ItemCount, r.err)
		} else if e.stableOrder {
			ordered = append(ordered, r)
		} else {
			out.Results = append(out.Results, r.results...)
		}
		// Feedback is applied here and only here: this goroutine is the
		// policy's single writer.
		telemetry.BatchSizeGauge.Set(float64(e.policy.Observe(r.metrics)))
		telemetry.MemoryPeakGauge.Set(r.metrics.MemoryPeakMB)
		if e.progress != nil {
			e.progress(out.Processed, e.total)
		}
	}

	submit := func(items []T) {
		desc := Descriptor{ID: nextID, ItemCount: len(items)}
		nextID++
		inflight++
		telemetry.InFlightGauge.Inc()
		go func() {
			defer func() { <-sem }()
			unit := e.sampler.Start()
			results, err := transform(ctx, items)
			unit.AddRows(int64(len(items)))
			resolutions <- resolution[R]{
				desc:    desc,
				results: results,
				metrics: e.sampler.Stop(unit),
				err:     err,
			}
		}()
	}

	next, stopPull := iter.Pull(source)
	defer stopPull()

feed:
	for {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		items := e.takeBatch(next)
		if len(items) == 0 {
			break
		}
		// Blocking on pool capacity is the submission suspension point; keep
		// draining resolutions while waiting so workers never deadlock on the
		// resolution channel.
		for {
			select {
			case sem <- struct{}{}:
				submit(items)
				continue feed
			case r := <-resolutions:
				collect(r)
			}
		}
	}

	// Source exhausted (or cancelled): drain in-flight batches.
	for inflight > 0 {
		collect(<-resolutions)
	}

	if e.stableOrder {
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].desc.ID < ordered[j].desc.ID })
		for _, r := range ordered {
			out.Results = append(out.Results, r.results...)
		}
	}

	out.Metrics = e.sampler.Stop(run)
	telemetry.RowsProcessed.Add(float64(out.Processed))
	telemetry.RowErrors.Add(float64(out.ErrorsCount))
	memguard.Reclaim()
	return out, ctxErr
}

// takeBatch pulls up to the policy's current size from the iterator. The
// final batch may be partial.
func (e *Executor[T, R]) takeBatch(next func() (T, bool)) []T {
	size := e.policy.Current()
	items := make([]T, 0, size)
	for len(items) < size {
		item, ok := next()
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items
}
