package ingest

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/semaphore"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/models"
)

// ProgressPublisher pushes per-photo progress for WebSocket broadcast.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, eventID string, data interface{}) error
}

type BatchSummary struct {
	Total    int `json:"total"`
	Detected int `json:"detected"`
	NoFace   int `json:"no_face"`
	Failed   int `json:"failed"`
}

// Batcher runs inline batch ingestion: the whole upload is split into
// memory-sized chunks and each chunk is processed with bounded concurrency.
// Extraction holds decoded images plus ONNX activations in memory, so the
// chunk size adapts to what the host can actually afford.
type Batcher struct {
	pipeline *Pipeline
	db       Store
	progress ProgressPublisher
	cfg      config.IngestConfig
}

// NewBatcher wires a batcher; progress may be nil when no broadcast
// channel is configured.
func NewBatcher(pipeline *Pipeline, db Store, progress ProgressPublisher, cfg config.IngestConfig) *Batcher {
	return &Batcher{
		pipeline: pipeline,
		db:       db,
		progress: progress,
		cfg:      cfg,
	}
}

// Run processes every task to a terminal state and returns the tally.
// The event's processing flag is raised for the duration and always
// cleared, even when the context is cancelled mid-batch.
func (b *Batcher) Run(ctx context.Context, eventID uuid.UUID, tasks []models.PhotoTask) BatchSummary {
	summary := BatchSummary{Total: len(tasks)}
	if len(tasks) == 0 {
		return summary
	}

	if err := b.db.SetProcessingFaceDetection(ctx, eventID, true); err != nil {
		slog.Error("set processing flag", "event_id", eventID, "error", err)
	}
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := b.db.SetProcessingFaceDetection(clearCtx, eventID, false); err != nil {
			slog.Error("clear processing flag", "event_id", eventID, "error", err)
		}
	}()

	var detected, noFace, failed, processed atomic.Int64
	sem := semaphore.NewWeighted(int64(b.concurrency()))

	for start := 0; start < len(tasks); {
		end := min(start+b.chunkSize(), len(tasks))
		chunk := tasks[start:end]
		start = end

		var wg sync.WaitGroup
		for _, task := range chunk {
			if err := sem.Acquire(ctx, 1); err != nil {
				slog.Warn("batch cancelled", "event_id", eventID, "error", err)
				wg.Wait()
				return b.tally(summary, &detected, &noFace, &failed)
			}
			wg.Add(1)
			go func(task models.PhotoTask) {
				defer wg.Done()
				defer sem.Release(1)

				status, err := b.pipeline.ProcessPhoto(ctx, task)
				if err != nil {
					slog.Error("batch photo aborted", "photo_id", task.PhotoID, "error", err)
					failed.Add(1)
				} else {
					switch status {
					case models.PhotoStatusFaceDetected:
						detected.Add(1)
					case models.PhotoStatusNoFaceDetected:
						noFace.Add(1)
					default:
						failed.Add(1)
					}
				}

				b.publishProgress(ctx, eventID, task.PhotoID, status, int(processed.Add(1)), len(tasks))
			}(task)
		}
		wg.Wait()

		if end < len(tasks) {
			// Let the allocator hand pages back before decoding the
			// next chunk of full-resolution images.
			debug.FreeOSMemory()
			select {
			case <-ctx.Done():
				return b.tally(summary, &detected, &noFace, &failed)
			case <-time.After(b.cfg.ChunkPause):
			}
		}
	}

	return b.tally(summary, &detected, &noFace, &failed)
}

func (b *Batcher) tally(s BatchSummary, detected, noFace, failed *atomic.Int64) BatchSummary {
	s.Detected = int(detected.Load())
	s.NoFace = int(noFace.Load())
	s.Failed = int(failed.Load())
	return s
}

func (b *Batcher) publishProgress(ctx context.Context, eventID, photoID uuid.UUID, status models.PhotoStatus, processed, total int) {
	if b.progress == nil {
		return
	}
	ev := models.ProgressEvent{
		EventID:   eventID,
		PhotoID:   photoID,
		Status:    status,
		Processed: processed,
		Total:     total,
		Timestamp: time.Now().UTC(),
	}
	if err := b.progress.PublishProgress(ctx, eventID.String(), ev); err != nil {
		slog.Warn("publish progress", "event_id", eventID, "error", err)
	}
}

func (b *Batcher) concurrency() int {
	if b.cfg.Concurrency < 1 {
		return 1
	}
	return b.cfg.Concurrency
}

// chunkSize is bounded by available host memory: roughly one full-size
// photo pipeline per PerFileCost bytes, never more than the configured
// ceiling and never less than one.
func (b *Batcher) chunkSize() int {
	ceiling := b.cfg.ChunkSize
	if ceiling < 1 {
		ceiling = 1
	}

	vm, err := mem.VirtualMemory()
	if err != nil || b.cfg.PerFileCost <= 0 {
		return ceiling
	}

	affordable := int(vm.Available / uint64(b.cfg.PerFileCost))
	if affordable < 1 {
		return 1
	}
	if affordable > ceiling {
		return ceiling
	}
	return affordable
}
