package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/ingest"
	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/observability"
	"github.com/your-org/snapmatch/internal/queue"
	"github.com/your-org/snapmatch/internal/storage"
	"github.com/your-org/snapmatch/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting snapmatch ingestion worker",
		"workers", cfg.Ingest.WorkerCount,
		"cpu_cores", runtime.NumCPU(),
	)

	// Initialize ONNX Runtime
	if err := vision.InitRuntime(getONNXLibPath()); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database, vision.EmbeddingDim)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// Initialize face extraction
	extractor, err := vision.NewExtractor(cfg.Vision)
	if err != nil {
		slog.Error("init face extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	pipeline := ingest.NewPipeline(extractor, db, minioStore, cfg.Ingest)

	slog.Info("ingestion pipeline initialized")

	// Create NATS consumer
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start consuming photo ingestion tasks
	err = consumer.ConsumePhotoTasks(ctx, "ingest-workers", func(ctx context.Context, msg jetstream.Msg) error {
		var task models.PhotoTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			slog.Error("unmarshal photo task", "error", err)
			return nil // Don't retry on unmarshal errors
		}

		status, err := pipeline.ProcessPhoto(ctx, task)
		if err != nil {
			return fmt.Errorf("process photo %s: %w", task.PhotoID, err)
		}

		ev := models.ProgressEvent{
			EventID:   task.EventID,
			PhotoID:   task.PhotoID,
			Status:    status,
			Timestamp: time.Now().UTC(),
		}
		if err := producer.PublishProgress(ctx, task.EventID.String(), ev); err != nil {
			slog.Warn("publish progress", "photo_id", task.PhotoID, "error", err)
		}

		if err := pipeline.FinishEventIfIdle(ctx, task.EventID); err != nil {
			slog.Warn("finish event check", "event_id", task.EventID, "error", err)
		}

		return nil
	}, cfg.Ingest.WorkerCount)
	if err != nil {
		slog.Error("start photo task consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path
// based on the operating system.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
