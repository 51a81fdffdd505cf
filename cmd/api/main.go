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

	"github.com/your-org/snapmatch/internal/api"
	"github.com/your-org/snapmatch/internal/api/handlers"
	"github.com/your-org/snapmatch/internal/api/ws"
	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/ingest"
	"github.com/your-org/snapmatch/internal/match"
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

	slog.Info("starting snapmatch API service", "port", cfg.Server.Port)

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
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relay ingestion progress from NATS to connected WebSocket clients.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create progress consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeProgress(ctx, "api-progress", func(ctx context.Context, msg jetstream.Msg) error {
		var ev models.ProgressEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			return err
		}
		hub.BroadcastProgress(ev)
		return nil
	})
	if err != nil {
		slog.Warn("start progress consumer", "error", err)
	}

	// Initialize ONNX Runtime and the face extraction stack. Both selfie
	// search and inline ingestion need it.
	if err := vision.InitRuntime(getONNXLibPath()); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	extractor, err := vision.NewExtractor(cfg.Vision)
	if err != nil {
		slog.Error("init face extractor", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

	matcher := match.NewMatcher(handlers.NewCandidateSource(db), cfg.Match)
	pipeline := ingest.NewPipeline(extractor, db, minioStore, cfg.Ingest)
	batcher := ingest.NewBatcher(pipeline, db, producer, cfg.Ingest)

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:         cfg.Server.APIKey,
		DB:             db,
		MinIO:          minioStore,
		Producer:       producer,
		Hub:            hub,
		Extractor:      extractor,
		Matcher:        matcher,
		Batcher:        batcher,
		MatchThreshold: cfg.Match.Threshold,
		MatchTimeout:   cfg.Match.Timeout,
		UseQueue:       cfg.Ingest.UseQueue,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}

// getONNXLibPath returns the ONNX Runtime shared library path.
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
