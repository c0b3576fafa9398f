package batch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-engine/internal/sampler"
)

func quietSampler() *sampler.Sampler {
	// Long interval keeps batch metrics deterministic in tests.
	return sampler.New(sampler.WithInterval(time.Hour))
}

func fixedPolicy(size int) *Policy {
	p := NewPolicy(PolicyConfig{MinBatchSize: size, MaxBatchSize: size})
	p.Initial(0, 0)
	return p
}

func ints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// batchRecorder tracks transform invocations across workers.
type batchRecorder struct {
	mu    sync.Mutex
	sizes []int
}

func (r *batchRecorder) add(n int) {
	r.mu.Lock()
	r.sizes = append(r.sizes, n)
	r.mu.Unlock()
}

func TestProcessSplitsIntoExpectedBatches(t *testing.T) {
	// 25,000 items at fixed size 10,000: three batches of 10k, 10k, 5k.
	rec := &batchRecorder{}
	exec := NewExecutor[int, int](fixedPolicy(10_000), quietSampler())

	out, err := exec.Process(context.Background(), slices.Values(ints(25_000)), func(_ context.Context, items []int) ([]int, error) {
		rec.add(len(items))
		return items, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(25_000), out.Processed)
	assert.Len(t, out.Results, 25_000)
	assert.Zero(t, out.ErrorsCount)

	slices.Sort(rec.sizes)
	assert.Equal(t, []int{5_000, 10_000, 10_000}, rec.sizes)
}

func TestProcessSubmitsCeilOfNOverB(t *testing.T) {
	tests := []struct {
		n, b, want int
	}{
		{1000, 250, 4},
		{1001, 250, 5},
		{249, 250, 1},
		{250, 250, 1},
	}
	for _, tt := range tests {
		rec := &batchRecorder{}
		exec := NewExecutor[int, int](fixedPolicy(tt.b), quietSampler())
		out, err := exec.Process(context.Background(), slices.Values(ints(tt.n)), func(_ context.Context, items []int) ([]int, error) {
			rec.add(len(items))
			return items, nil
		})
		require.NoError(t, err)
		assert.Len(t, rec.sizes, tt.want, "n=%d b=%d", tt.n, tt.b)
		assert.Equal(t, int64(tt.n), out.Processed)
	}
}

func TestProcessIsolatesBatchFailure(t *testing.T) {
	// One of three batches fails inside the transform: the run does not fail,
	// the failed batch contributes no results but its items still count.
	var calls sync.Map
	exec := NewExecutor[int, int](fixedPolicy(100), quietSampler(), WithWorkers[int, int](1))

	out, err := exec.Process(context.Background(), slices.Values(ints(300)), func(_ context.Context, items []int) ([]int, error) {
		if items[0] == 100 { // the middle batch
			calls.Store("failed", true)
			return nil, errors.New("transform exploded")
		}
		return items, nil
	})

	require.NoError(t, err, "a batch failure must not fail the run")
	_, failed := calls.Load("failed")
	require.True(t, failed)
	assert.Equal(t, int64(1), out.ErrorsCount)
	assert.Equal(t, int64(300), out.Processed, "failed batch items still tally")
	assert.Len(t, out.Results, 200)
}

func TestProcessStableOrderReassembles(t *testing.T) {
	// Stall the first batch so it finishes last; stable order must still
	// return results in submission order.
	exec := NewExecutor[int, int](fixedPolicy(100), quietSampler(),
		WithWorkers[int, int](4), WithStableOrder[int, int](true))

	out, err := exec.Process(context.Background(), slices.Values(ints(400)), func(_ context.Context, items []int) ([]int, error) {
		if items[0] == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		return items, nil
	})

	require.NoError(t, err)
	assert.Equal(t, ints(400), out.Results)
}

func TestProcessCompletionOrderKeepsWithinBatchOrder(t *testing.T) {
	exec := NewExecutor[int, int](fixedPolicy(100), quietSampler(), WithWorkers[int, int](4))

	out, err := exec.Process(context.Background(), slices.Values(ints(400)), func(_ context.Context, items []int) ([]int, error) {
		if items[0] == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		return items, nil
	})

	require.NoError(t, err)
	require.Len(t, out.Results, 400)
	// Batches may be interleaved, but each run of 100 must be ascending.
	for i := 0; i < len(out.Results); i += 100 {
		batch := out.Results[i : i+100]
		assert.True(t, slices.IsSorted(batch), "within-batch order preserved at offset %d", i)
	}
}

func TestProcessReportsProgressPerBatch(t *testing.T) {
	var mu sync.Mutex
	var reports []int64

	exec := NewExecutor[int, int](fixedPolicy(250), quietSampler(),
		WithWorkers[int, int](1),
		WithTotalEstimate[int, int](1000),
		WithProgress[int, int](func(processed, total int64) {
			mu.Lock()
			reports = append(reports, processed)
			mu.Unlock()
			assert.Equal(t, int64(1000), total)
		}))

	_, err := exec.Process(context.Background(), slices.Values(ints(1000)), func(_ context.Context, items []int) ([]int, error) {
		return items, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{250, 500, 750, 1000}, reports, "progress is per batch and non-decreasing")
}

func TestProcessRunMetricsCountRows(t *testing.T) {
	exec := NewExecutor[int, int](fixedPolicy(100), quietSampler())
	out, err := exec.Process(context.Background(), slices.Values(ints(500)), func(_ context.Context, items []int) ([]int, error) {
		return items, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), out.Metrics.RowsProcessed)
	assert.False(t, out.Metrics.EndedAt.IsZero())
}

func TestProcessCancelDeclinesNewBatchesButDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 16)

	exec := NewExecutor[int, int](fixedPolicy(100), quietSampler(), WithWorkers[int, int](1))
	out, err := exec.Process(ctx, slices.Values(ints(10_000)), func(_ context.Context, items []int) ([]int, error) {
		started <- struct{}{}
		cancel()
		time.Sleep(10 * time.Millisecond)
		return items, nil
	})

	require.ErrorIs(t, err, context.Canceled)
	// The batch that was in flight when cancel hit ran to completion.
	assert.GreaterOrEqual(t, out.Processed, int64(100))
	assert.Less(t, out.Processed, int64(10_000), "no new submissions after cancel")
	assert.NotEmpty(t, out.Results)
}

func TestProcessEmptySource(t *testing.T) {
	var invoked sync.Map
	exec := NewExecutor[int, int](fixedPolicy(100), quietSampler())
	out, err := exec.Process(context.Background(), slices.Values([]int{}), func(_ context.Context, items []int) ([]int, error) {
		invoked.Store("called", true)
		return items, nil
	})
	require.NoError(t, err)
	_, called := invoked.Load("called")
	assert.False(t, called, "transform must not run for an empty source")
	assert.Zero(t, out.Processed)
	assert.Empty(t, out.Results)
}

func TestProcessAdaptsSizeMidRun(t *testing.T) {
	// Policy shrinks after stressed completions; later batches must be formed
	// with the reduced size. Metrics are injected by observing directly is not
	// possible here, so assert via the policy after a run with synthetic
	// observations instead.
	p := NewPolicy(PolicyConfig{})
	p.Initial(1_000_000, 1<<20)
	first := p.Current()
	p.Observe(sampler.Metrics{MemoryPeakMB: 100, CPUAvgPct: 10, Throughput: 50})
	p.Observe(sampler.Metrics{MemoryPeakMB: 1800, CPUAvgPct: 10, Throughput: 50})
	assert.Equal(t, int(float64(first)*0.8), p.Current())
}
