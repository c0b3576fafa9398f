package sampler

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

const (
	// DefaultInterval is how often resource usage is sampled.
	DefaultInterval = 500 * time.Millisecond

	// DefaultJoinWait bounds how long Stop waits for the sampling loop to exit.
	DefaultJoinWait = time.Second

	// maxCPUSamples caps the retained CPU utilization window.
	maxCPUSamples = 50
)

// Reader measures the current process's resource usage. residentMB is the
// process's resident set in megabytes, cpuSeconds is cumulative CPU time.
type Reader interface {
	Sample() (residentMB float64, cpuSeconds float64, err error)
}

// Sampler periodically measures memory and CPU for one monitored unit of work.
// A single Sampler may monitor many units over its lifetime; each Start call
// produces an independent handle.
type Sampler struct {
	interval time.Duration
	joinWait time.Duration
	reader   Reader
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithInterval overrides the sampling cadence. Values <= 0 are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithJoinWait overrides how long Stop waits for the loop to exit.
func WithJoinWait(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.joinWait = d
		}
	}
}

// WithReader replaces the resource reader, mainly for tests.
func WithReader(r Reader) Option {
	return func(s *Sampler) {
		if r != nil {
			s.reader = r
		}
	}
}

// New builds a Sampler backed by procfs, falling back to runtime memory
// stats on platforms without /proc.
func New(opts ...Option) *Sampler {
	s := &Sampler{
		interval: DefaultInterval,
		joinWait: DefaultJoinWait,
		reader:   newProcessReader(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle is the mutable metrics accumulator for one monitored unit. It is
// owned by exactly one unit and must not be shared across jobs. Counter
// updates are safe from concurrent workers.
type Handle struct {
	mu        sync.Mutex
	startedAt time.Time
	endedAt   time.Time
	rows      int64
	errors    int64
	memPeakMB float64
	cpuPcts   []float64
	lastCPU   float64
	lastWall  time.Time
	finalized bool

	stop chan struct{}
	done chan struct{}
}

// AddRows records n processed rows. rows_processed is non-decreasing; negative
// deltas are ignored.
func (h *Handle) AddRows(n int64) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	h.rows += n
	h.mu.Unlock()
}

// AddErrors records n absorbed errors.
func (h *Handle) AddErrors(n int64) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	h.errors += n
	h.mu.Unlock()
}

// Rows returns the rows counted so far.
func (h *Handle) Rows() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows
}

// Metrics is the immutable result of one monitored unit, finalized by Stop.
type Metrics struct {
	StartedAt     time.Time
	EndedAt       time.Time
	RowsProcessed int64
	ErrorsCount   int64
	MemoryPeakMB  float64
	CPUAvgPct     float64
	Throughput    float64
	Efficiency    float64
}

// Start begins sampling for a new monitored unit and returns its handle.
func (s *Sampler) Start() *Handle {
	h := &Handle{
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.loop(h)
	return h
}

// Stop halts sampling for the handle's unit and finalizes its metrics.
// The join is bounded: a wedged reader cannot block the job it observes.
// Stop is safe to call more than once; later calls return the same metrics.
func (s *Sampler) Stop(h *Handle) Metrics {
	h.mu.Lock()
	if h.finalized {
		m := h.snapshotLocked()
		h.mu.Unlock()
		return m
	}
	h.finalized = true
	h.mu.Unlock()

	close(h.stop)
	select {
	case <-h.done:
	case <-time.After(s.joinWait):
		log.Printf("sampler: loop did not exit within %s", s.joinWait)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.endedAt = time.Now()
	return h.snapshotLocked()
}

func (h *Handle) snapshotLocked() Metrics {
	m := Metrics{
		StartedAt:     h.startedAt,
		EndedAt:       h.endedAt,
		RowsProcessed: h.rows,
		ErrorsCount:   h.errors,
		MemoryPeakMB:  h.memPeakMB,
		CPUAvgPct:     meanOf(h.cpuPcts),
	}
	elapsed := m.EndedAt.Sub(m.StartedAt).Seconds()
	if elapsed > 0 {
		m.Throughput = float64(m.RowsProcessed) / elapsed
	}
	denom := m.MemoryPeakMB * m.CPUAvgPct
	if denom < 1 {
		denom = 1
	}
	m.Efficiency = m.Throughput * 100 / denom
	return m
}

// loop samples at a fixed cadence until stopped. Sampling failures are logged
// and end the loop; monitoring never fails the work it observes.
func (s *Sampler) loop(h *Handle) {
	defer close(h.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if err := s.sampleOnce(h); err != nil {
				log.Printf("sampler: sample failed, ending loop: %v", err)
				return
			}
		}
	}
}

func (s *Sampler) sampleOnce(h *Handle) error {
	residentMB, cpuSeconds, err := s.reader.Sample()
	if err != nil {
		return err
	}
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if residentMB > h.memPeakMB {
		h.memPeakMB = residentMB
	}
	if !h.lastWall.IsZero() {
		wall := now.Sub(h.lastWall).Seconds()
		if wall > 0 {
			pct := (cpuSeconds - h.lastCPU) / wall * 100
			if pct < 0 {
				pct = 0
			}
			h.cpuPcts = append(h.cpuPcts, pct)
			if len(h.cpuPcts) > maxCPUSamples {
				h.cpuPcts = h.cpuPcts[len(h.cpuPcts)-maxCPUSamples:]
			}
		}
	}
	h.lastCPU = cpuSeconds
	h.lastWall = now
	return nil
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// processReader reads resident memory and CPU time from /proc, with a
// runtime.MemStats fallback where procfs is unavailable.
type processReader struct {
	proc   *procfs.Proc
	hasFS  bool
}

func newProcessReader() *processReader {
	r := &processReader{}
	if p, err := procfs.Self(); err == nil {
		r.proc = &p
		r.hasFS = true
	}
	return r
}

func (r *processReader) Sample() (float64, float64, error) {
	if r.hasFS {
		stat, err := r.proc.Stat()
		if err != nil {
			return 0, 0, err
		}
		return float64(stat.ResidentMemory()) / (1 << 20), stat.CPUTime(), nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1 << 20), 0, nil
}
