package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"ingest-engine/internal/config"
	"ingest-engine/internal/progress"
	"ingest-engine/internal/source"
	"ingest-engine/internal/store"
	"ingest-engine/internal/telemetry"
	"ingest-engine/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	keeper := progress.NewKeeper(redisClient, 0)

	var s3src *source.S3Source
	if cfg.S3Endpoint != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		s3src, err = source.NewS3Source(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 source: %v", err)
		}
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	runner := worker.NewRunner(cfg, st, keeper, s3src, workerID)
	log.Printf("worker %s started poll=%s workers=%d", workerID, cfg.WorkerPollInterval, cfg.MaxWorkers)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
