package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keeper mirrors live job progress into Redis so the API can answer progress
// reads without touching Postgres. The hash per job expires after TTL; the
// durable state in Postgres remains the source of truth.
type Keeper struct {
	client *redis.Client
	ttl    time.Duration
}

// Snapshot is the live view of one job's progress.
type Snapshot struct {
	Progress  float64 `json:"progress"`
	Processed int64   `json:"processed_rows"`
	Total     int64   `json:"total_rows"`
	UpdatedMS int64   `json:"updated_ms"`
}

// NewKeeper builds a Keeper. ttl <= 0 defaults to 24h.
func NewKeeper(client *redis.Client, ttl time.Duration) *Keeper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Keeper{client: client, ttl: ttl}
}

func key(jobID string) string {
	return "ingest:progress:" + jobID
}

// Report writes one progress update. Implements the orchestrator's progress
// sink.
func (k *Keeper) Report(ctx context.Context, jobID string, progress float64, processed, total int64) error {
	pipe := k.client.TxPipeline()
	pipe.HSet(ctx, key(jobID),
		"progress", progress,
		"processed", processed,
		"total", total,
		"updated_ms", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key(jobID), k.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write progress for %s: %w", jobID, err)
	}
	return nil
}

// Get reads the live snapshot for a job. The second return is false when no
// live progress exists (expired or never reported).
func (k *Keeper) Get(ctx context.Context, jobID string) (Snapshot, bool, error) {
	vals, err := k.client.HGetAll(ctx, key(jobID)).Result()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read progress for %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return Snapshot{}, false, nil
	}
	snap := Snapshot{
		Progress:  parseFloat(vals["progress"]),
		Processed: parseInt(vals["processed"]),
		Total:     parseInt(vals["total"]),
		UpdatedMS: parseInt(vals["updated_ms"]),
	}
	return snap, true, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
