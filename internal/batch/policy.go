package batch

import (
	"math"

	"ingest-engine/internal/sampler"
)

// Hard bounds on batch size. Config may narrow these but never widen them.
const (
	HardMinBatchSize = 100
	HardMaxBatchSize = 50000
)

const (
	// memoryCeilingMB is the per-batch resident memory level treated as stress.
	memoryCeilingMB = 1500
	// highCPUPct is the CPU utilization level treated as stress.
	highCPUPct = 85
	// memoryFraction is the share of available memory the initial size may claim.
	memoryFraction = 0.7
	// headroomFraction of the ceiling under which growth is considered safe.
	headroomFraction = 0.8

	// Shrink is deliberately faster than growth to dampen oscillation.
	memShrinkFactor = 0.8
	cpuShrinkFactor = 0.9
	growFactor      = 1.1

	// windowSize is the rolling batch-completion history the policy keeps.
	windowSize = 5
)

// PolicyConfig bounds and parameterizes a Policy.
type PolicyConfig struct {
	MinBatchSize     int     // floor, clamped to >= HardMinBatchSize
	MaxBatchSize     int     // ceiling, clamped to <= HardMaxBatchSize
	PerKiloRowCostMB float64 // estimated memory cost of 1000 rows
}

// Policy computes and adaptively adjusts batch size from a volume estimate,
// available memory, and a rolling window of batch-completion metrics.
//
// Policy is single-writer: only the goroutine collecting batch completions
// may call Observe, strictly after a batch resolves. It needs no locking.
type Policy struct {
	min     int
	max     int
	costMB  float64
	current int
	window  []sampler.Metrics
}

// NewPolicy builds a Policy with the configured bounds. Zero or out-of-range
// config values fall back to the hard bounds.
func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{
		min:    cfg.MinBatchSize,
		max:    cfg.MaxBatchSize,
		costMB: cfg.PerKiloRowCostMB,
	}
	if p.min < HardMinBatchSize {
		p.min = HardMinBatchSize
	}
	if p.max <= 0 || p.max > HardMaxBatchSize {
		p.max = HardMaxBatchSize
	}
	if p.max < p.min {
		p.max = p.min
	}
	if p.costMB <= 0 {
		p.costMB = 2.0
	}
	p.current = p.min
	return p
}

// Initial computes the starting batch size for an estimated totalRows and
// availableMB of memory, and makes it current. totalRows <= 0 means the volume
// is unknown and only the memory bound applies.
func (p *Policy) Initial(totalRows int64, availableMB float64) int {
	memoryBound := p.max
	if availableMB > 0 {
		byMemory := int(math.Floor(availableMB * memoryFraction / p.costMB * 1000))
		if byMemory < memoryBound {
			memoryBound = byMemory
		}
	}

	volumeBound := p.max
	if totalRows > 0 {
		switch {
		case totalRows < 10_000:
			volumeBound = minInt(int(totalRows/2), 5_000)
		case totalRows < 100_000:
			volumeBound = minInt(int(totalRows/10), 10_000)
		default:
			volumeBound = minInt(int(totalRows/50), 20_000)
		}
	}

	p.current = p.clamp(minInt(memoryBound, volumeBound))
	return p.current
}

// Current returns the batch size the next submission should use.
func (p *Policy) Current() int {
	if p.current == 0 {
		p.current = p.min
	}
	return p.current
}

// Observe feeds one batch-completion metric into the rolling window and
// adjusts the current size. Adjustment needs at least two retained samples.
// Malformed metrics never raise; the policy holds the last valid size.
func (p *Policy) Observe(m sampler.Metrics) int {
	if !validMetrics(m) {
		return p.Current()
	}
	p.window = append(p.window, m)
	if len(p.window) > windowSize {
		p.window = p.window[len(p.window)-windowSize:]
	}
	if len(p.window) < 2 {
		return p.Current()
	}

	latest := p.window[len(p.window)-1]
	previous := p.window[len(p.window)-2]

	next := p.Current()
	switch {
	case latest.MemoryPeakMB > memoryCeilingMB:
		next = int(float64(next) * memShrinkFactor)
	case latest.CPUAvgPct > highCPUPct:
		next = int(float64(next) * cpuShrinkFactor)
	case latest.Throughput > previous.Throughput && latest.MemoryPeakMB < headroomFraction*memoryCeilingMB:
		next = int(float64(next) * growFactor)
	}

	p.current = p.clamp(next)
	return p.current
}

func (p *Policy) clamp(size int) int {
	if size < p.min {
		return p.min
	}
	if size > p.max {
		return p.max
	}
	return size
}

func validMetrics(m sampler.Metrics) bool {
	for _, v := range []float64{m.MemoryPeakMB, m.CPUAvgPct, m.Throughput} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return m.RowsProcessed >= 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
