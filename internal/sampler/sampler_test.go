package sampler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader replays scripted samples. Each call advances one step; the last
// step repeats.
type fakeReader struct {
	mu    sync.Mutex
	steps []struct{ mem, cpu float64 }
	calls int
	err   error
}

func (f *fakeReader) Sample() (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	i := f.calls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.calls++
	return f.steps[i].mem, f.steps[i].cpu, nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStopFinalizesThroughput(t *testing.T) {
	r := &fakeReader{steps: []struct{ mem, cpu float64 }{
		{mem: 100, cpu: 0.1},
		{mem: 250, cpu: 0.2},
		{mem: 180, cpu: 0.3},
	}}
	s := New(WithInterval(5*time.Millisecond), WithReader(r))

	h := s.Start()
	h.AddRows(500)
	time.Sleep(40 * time.Millisecond)
	m := s.Stop(h)

	assert.Equal(t, int64(500), m.RowsProcessed)
	assert.InDelta(t, 250.0, m.MemoryPeakMB, 0.001, "peak keeps the max sample")
	require.False(t, m.EndedAt.IsZero())
	elapsed := m.EndedAt.Sub(m.StartedAt).Seconds()
	require.Greater(t, elapsed, 0.0)
	assert.InDelta(t, 500/elapsed, m.Throughput, 1.0)
}

func TestEfficiencyDenominatorFloorsAtOne(t *testing.T) {
	// No samples at all: memory peak and cpu avg are both zero, so the
	// denominator clamps to 1 and efficiency equals throughput*100.
	s := New(WithInterval(time.Hour), WithReader(&fakeReader{steps: []struct{ mem, cpu float64 }{{0, 0}}}))
	h := s.Start()
	h.AddRows(100)
	m := s.Stop(h)

	assert.Zero(t, m.MemoryPeakMB)
	assert.Zero(t, m.CPUAvgPct)
	assert.InDelta(t, m.Throughput*100, m.Efficiency, 0.001)
}

func TestSamplingFailureEndsLoopSilently(t *testing.T) {
	r := &fakeReader{err: errors.New("proc gone")}
	s := New(WithInterval(2*time.Millisecond), WithReader(r))

	h := s.Start()
	time.Sleep(20 * time.Millisecond)
	before := r.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, r.callCount(), "loop should stop after the first failure")

	h.AddRows(10)
	m := s.Stop(h)
	assert.Equal(t, int64(10), m.RowsProcessed, "a dead sampler must not fail the unit")
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(WithInterval(time.Hour), WithReader(&fakeReader{steps: []struct{ mem, cpu float64 }{{1, 0}}}))
	h := s.Start()
	h.AddRows(7)
	first := s.Stop(h)
	second := s.Stop(h)
	assert.Equal(t, first.RowsProcessed, second.RowsProcessed)
	assert.Equal(t, first.EndedAt, second.EndedAt)
}

func TestAddRowsIgnoresNegative(t *testing.T) {
	s := New(WithInterval(time.Hour), WithReader(&fakeReader{steps: []struct{ mem, cpu float64 }{{1, 0}}}))
	h := s.Start()
	h.AddRows(10)
	h.AddRows(-5)
	assert.Equal(t, int64(10), h.Rows())
	s.Stop(h)
}

func TestCPUAverageWindow(t *testing.T) {
	// Scripted monotone CPU times; utilization values are wall-clock dependent
	// so only check the window cap and non-negativity.
	steps := make([]struct{ mem, cpu float64 }, 200)
	for i := range steps {
		steps[i] = struct{ mem, cpu float64 }{mem: 10, cpu: float64(i) * 0.001}
	}
	s := New(WithInterval(time.Millisecond), WithReader(&fakeReader{steps: steps}))
	h := s.Start()
	time.Sleep(120 * time.Millisecond)
	m := s.Stop(h)

	h.mu.Lock()
	retained := len(h.cpuPcts)
	h.mu.Unlock()
	assert.LessOrEqual(t, retained, maxCPUSamples)
	assert.GreaterOrEqual(t, m.CPUAvgPct, 0.0)
}
