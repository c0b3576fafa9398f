package profile

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Tuning thresholds for recommendations.
const (
	slowStepDuration = 30 * time.Second
	heavyStepDeltaMB = 500
	minSuccessRate   = 0.9
)

// StepRecord is one profiled execution of a named step.
type StepRecord struct {
	Duration      time.Duration
	MemoryDeltaMB float64
	Success       bool
	Timestamp     time.Time
}

// Profiler keeps append-only per-step history for its lifetime. One Profiler
// is shared process-wide; appends are safe from concurrent jobs.
type Profiler struct {
	mu    sync.Mutex
	steps map[string][]StepRecord
}

// New builds an empty Profiler.
func New() *Profiler {
	return &Profiler{steps: make(map[string][]StepRecord)}
}

// Step runs fn under the named step, recording duration, memory delta, and
// success. A fn error is recorded as a failure with zero memory delta and
// returned unchanged; a panic is recorded as a failure and re-raised. Step
// never swallows what fn produces.
func Step[T any](p *Profiler, ctx context.Context, name string, fn func(context.Context) (T, error)) (T, StepRecord, error) {
	start := time.Now()
	before := heapAllocMB()

	completed := false
	defer func() {
		if !completed {
			p.append(name, StepRecord{
				Duration:  time.Since(start),
				Success:   false,
				Timestamp: start,
			})
			panic(recoverValue(recover()))
		}
	}()

	result, err := fn(ctx)
	completed = true

	rec := StepRecord{
		Duration:  time.Since(start),
		Success:   err == nil,
		Timestamp: start,
	}
	if err == nil {
		rec.MemoryDeltaMB = heapAllocMB() - before
	}
	p.append(name, rec)
	return result, rec, err
}

// recoverValue re-wraps a recovered panic value; a nil recover (plain return
// through the deferred path cannot happen, but guard anyway) becomes an
// explicit marker.
func recoverValue(v any) any {
	if v == nil {
		return fmt.Errorf("profile: step aborted")
	}
	return v
}

func (p *Profiler) append(name string, rec StepRecord) {
	p.mu.Lock()
	p.steps[name] = append(p.steps[name], rec)
	p.mu.Unlock()
}

// History returns a copy of the records for one step.
func (p *Profiler) History(name string) []StepRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs := p.steps[name]
	out := make([]StepRecord, len(recs))
	copy(out, recs)
	return out
}

// Recommendation is one tuning suggestion derived from step history.
type Recommendation struct {
	Step           string  `json:"step"`
	Issue          string  `json:"issue"`
	Recommendation string  `json:"recommendation"`
	Impact         string  `json:"impact"`
}

// Recommendations inspects each step's history and suggests tuning actions
// for slow, memory-heavy, or failure-prone steps.
func (p *Profiler) Recommendations() []Recommendation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Recommendation
	for name, recs := range p.steps {
		if len(recs) == 0 {
			continue
		}
		var (
			totalDur   time.Duration
			totalDelta float64
			successes  int
		)
		for _, r := range recs {
			totalDur += r.Duration
			totalDelta += r.MemoryDeltaMB
			if r.Success {
				successes++
			}
		}
		n := float64(len(recs))
		avgDur := time.Duration(float64(totalDur) / n)
		avgDelta := totalDelta / n
		successRate := float64(successes) / n

		if avgDur > slowStepDuration {
			out = append(out, Recommendation{
				Step:           name,
				Issue:          fmt.Sprintf("average duration %s", avgDur.Round(time.Millisecond)),
				Recommendation: "parallelize or re-batch the step",
				Impact:         "high",
			})
		}
		if avgDelta > heavyStepDeltaMB {
			out = append(out, Recommendation{
				Step:           name,
				Issue:          fmt.Sprintf("average memory delta %.0fMB", avgDelta),
				Recommendation: "chunk the input or narrow its representation",
				Impact:         "high",
			})
		}
		if successRate < minSuccessRate {
			out = append(out, Recommendation{
				Step:           name,
				Issue:          fmt.Sprintf("success rate %.0f%%", successRate*100),
				Recommendation: "add validation or error handling ahead of the step",
				Impact:         "medium",
			})
		}
	}
	return out
}

func heapAllocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}
