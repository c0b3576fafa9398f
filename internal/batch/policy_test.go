package batch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"ingest-engine/internal/sampler"
)

func defaultPolicy() *Policy {
	return NewPolicy(PolicyConfig{PerKiloRowCostMB: 2.0})
}

func TestInitialSizeWithinBounds(t *testing.T) {
	tests := []struct {
		name      string
		totalRows int64
		memMB     float64
	}{
		{"tiny volume", 500, 4096},
		{"small volume", 9_999, 4096},
		{"medium volume", 50_000, 4096},
		{"large volume", 1_000_000, 4096},
		{"no memory reported", 50_000, 0},
		{"unknown volume", 0, 4096},
		{"starved memory", 1_000_000, 1},
		{"huge everything", math.MaxInt32, 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultPolicy()
			size := p.Initial(tt.totalRows, tt.memMB)
			assert.GreaterOrEqual(t, size, HardMinBatchSize)
			assert.LessOrEqual(t, size, HardMaxBatchSize)
			assert.Equal(t, size, p.Current())
		})
	}
}

func TestInitialSizeVolumeTiers(t *testing.T) {
	p := defaultPolicy()
	// Plenty of memory so the volume bound decides.
	mem := float64(1 << 20)

	assert.Equal(t, 2_500, p.Initial(5_000, mem), "R<10k uses R/2")
	assert.Equal(t, 8_000, p.Initial(80_000, mem), "10k<=R<100k uses R/10")
	assert.Equal(t, 19_999, p.Initial(999_990, mem), "R>=100k uses R/50 capped at 20k")
}

func TestInitialSizeTierCaps(t *testing.T) {
	p := defaultPolicy()
	mem := float64(1 << 20)

	assert.Equal(t, 4_999, p.Initial(9_999, mem), "integer division of R/2")
	assert.Equal(t, 9_999, p.Initial(99_999, mem), "integer division of R/10")
	assert.Equal(t, 20_000, p.Initial(2_000_000, mem), "R/50 capped at 20k")
}

func TestInitialSizeMemoryBound(t *testing.T) {
	p := defaultPolicy()
	// 10MB available, 2MB per 1k rows: floor(10*0.7/2*1000) = 3500.
	size := p.Initial(1_000_000, 10)
	assert.Equal(t, 3_500, size)
}

func metricsWith(mem, cpu, throughput float64) sampler.Metrics {
	return sampler.Metrics{MemoryPeakMB: mem, CPUAvgPct: cpu, Throughput: throughput}
}

func TestObserveRequiresTwoSamples(t *testing.T) {
	p := defaultPolicy()
	p.Initial(100_000, 4096)
	before := p.Current()
	got := p.Observe(metricsWith(1800, 10, 100))
	assert.Equal(t, before, got, "a single sample must not adjust")
}

func TestObserveShrinksOnMemoryPressure(t *testing.T) {
	p := defaultPolicy()
	p.Initial(1_000_000, 1<<20)
	prev := p.Current()
	p.Observe(metricsWith(200, 10, 100))

	got := p.Observe(metricsWith(1800, 10, 100))
	assert.Equal(t, int(float64(prev)*0.8), got)
}

func TestObserveShrinksOnHighCPU(t *testing.T) {
	p := defaultPolicy()
	p.Initial(1_000_000, 1<<20)
	prev := p.Current()
	p.Observe(metricsWith(200, 10, 100))

	got := p.Observe(metricsWith(200, 90, 100))
	assert.Equal(t, int(float64(prev)*0.9), got)
}

func TestObserveGrowsOnImprovementWithHeadroom(t *testing.T) {
	p := defaultPolicy()
	p.Initial(1_000_000, 1<<20)
	prev := p.Current()
	p.Observe(metricsWith(200, 10, 100))

	got := p.Observe(metricsWith(300, 10, 150))
	assert.Equal(t, int(float64(prev)*1.1), got)
}

func TestObserveHoldsWithoutImprovement(t *testing.T) {
	p := defaultPolicy()
	p.Initial(1_000_000, 1<<20)
	prev := p.Current()
	p.Observe(metricsWith(200, 10, 100))

	got := p.Observe(metricsWith(200, 10, 90))
	assert.Equal(t, prev, got)
}

func TestObserveClampsAtFloor(t *testing.T) {
	p := defaultPolicy()
	p.Initial(300, 1<<20) // small: starts near the floor
	p.Observe(metricsWith(200, 10, 100))
	for range 20 {
		p.Observe(metricsWith(1800, 10, 100))
	}
	assert.Equal(t, HardMinBatchSize, p.Current())
}

func TestObserveClampsAtCeiling(t *testing.T) {
	p := NewPolicy(PolicyConfig{MinBatchSize: 40_000, MaxBatchSize: 50_000})
	p.Initial(10_000_000, 1<<30)
	p.Observe(metricsWith(100, 10, 100))
	for i := range 20 {
		p.Observe(metricsWith(100, 10, float64(200+i)))
	}
	assert.Equal(t, 50_000, p.Current())
}

func TestObserveHoldsOnMalformedMetrics(t *testing.T) {
	p := defaultPolicy()
	p.Initial(1_000_000, 1<<20)
	p.Observe(metricsWith(200, 10, 100))
	prev := p.Current()

	assert.Equal(t, prev, p.Observe(metricsWith(math.NaN(), 10, 100)))
	assert.Equal(t, prev, p.Observe(metricsWith(-5, 10, 100)))
	assert.Equal(t, prev, p.Observe(metricsWith(200, math.Inf(1), 100)))
}

func TestFixedSizePolicyNeverMoves(t *testing.T) {
	p := NewPolicy(PolicyConfig{MinBatchSize: 10_000, MaxBatchSize: 10_000})
	p.Initial(25_000, 4096)
	assert.Equal(t, 10_000, p.Current())
	p.Observe(metricsWith(1800, 95, 1))
	p.Observe(metricsWith(1800, 95, 1))
	assert.Equal(t, 10_000, p.Current())
}
