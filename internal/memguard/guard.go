package memguard

import (
	"iter"
	"log"
	"runtime"

	"github.com/prometheus/procfs"
)

// reclaimEvery is the periodic backstop: chunked iteration forces a
// reclamation pass after this many chunks regardless of the threshold.
const reclaimEvery = 10

// Guard enforces a scoped memory budget around enclosed operations.
type Guard struct {
	thresholdMB float64
}

// NewGuard builds a Guard with the given resident-memory threshold in MB.
// Values <= 0 disable threshold-triggered reclamation (the periodic backstop
// in Chunked still applies).
func NewGuard(thresholdMB float64) *Guard {
	return &Guard{thresholdMB: thresholdMB}
}

// ScopedBudget runs fn, measuring heap usage before and after. If usage after
// fn exceeds 80% of the threshold it triggers a reclamation pass and logs the
// bytes freed. The fn error passes through untouched.
func (g *Guard) ScopedBudget(name string, fn func() error) error {
	before := heapAllocMB()
	err := fn()
	after := heapAllocMB()

	if g.thresholdMB > 0 && after > 0.8*g.thresholdMB {
		freed := Reclaim()
		log.Printf("memguard: %s used %.1fMB -> %.1fMB, reclaimed %d bytes", name, before, after, freed)
	}
	return err
}

// Reclaim forces a garbage-collection pass and returns the heap bytes freed
// by it. Best effort: a negative delta reports zero.
func Reclaim() uint64 {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	runtime.ReadMemStats(&after)
	if after.HeapAlloc >= before.HeapAlloc {
		return 0
	}
	return before.HeapAlloc - after.HeapAlloc
}

// Chunked lazily applies transform to sequential slices of at most chunkSize
// items from source. Each chunk runs inside ScopedBudget; every tenth chunk
// forces a reclamation pass regardless of the threshold.
func Chunked[T, R any](g *Guard, source iter.Seq[T], chunkSize int, transform func([]T) ([]R, error)) iter.Seq2[[]R, error] {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return func(yield func([]R, error) bool) {
		chunk := make([]T, 0, chunkSize)
		n := 0

		emit := func() bool {
			n++
			var out []R
			err := g.ScopedBudget("chunk", func() error {
				var tErr error
				out, tErr = transform(chunk)
				return tErr
			})
			if n%reclaimEvery == 0 {
				Reclaim()
			}
			chunk = chunk[:0]
			return yield(out, err)
		}

		for item := range source {
			chunk = append(chunk, item)
			if len(chunk) == chunkSize {
				if !emit() {
					return
				}
			}
		}
		if len(chunk) > 0 {
			emit()
		}
	}
}

// AvailableMemoryMB reports the host's available memory, 0 when unknown.
func AvailableMemoryMB() float64 {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemAvailable == nil {
		return 0
	}
	return float64(*mi.MemAvailable) / 1024 // kB -> MB
}

func heapAllocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}
