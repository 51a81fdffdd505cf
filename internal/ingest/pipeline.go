package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/observability"
	"github.com/your-org/snapmatch/internal/vision"
)

// Extractor produces face embeddings from raw image bytes.
type Extractor interface {
	Extract(ctx context.Context, imageData []byte, mode vision.Mode) (vision.Result, error)
}

// Store is the persistence surface the pipeline writes through.
type Store interface {
	InsertFaceEmbeddings(ctx context.Context, photoID uuid.UUID, vectors [][]float32) error
	MarkPhotoProcessed(ctx context.Context, photoID uuid.UUID, faceDetected bool) error
	AddEventImage(ctx context.Context, eventID uuid.UUID, size int64) error
	SetProcessingFaceDetection(ctx context.Context, eventID uuid.UUID, processing bool) error
	CountUnverifiedPhotos(ctx context.Context, eventID uuid.UUID) (int, error)
	ValidateEmbedding(vec []float32) error
}

// ObjectStore fetches the uploaded bytes for extraction.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Pipeline drives one photo from UPLOADED to a terminal state:
// FACE_DETECTED, NO_FACE_DETECTED, or FAILED after retry exhaustion.
// It is used identically by the inline API path and the queue worker, so
// both persist the same state.
type Pipeline struct {
	extractor Extractor
	db        Store
	objects   ObjectStore
	cfg       config.IngestConfig
}

func NewPipeline(extractor Extractor, db Store, objects ObjectStore, cfg config.IngestConfig) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		db:        db,
		objects:   objects,
		cfg:       cfg,
	}
}

// ProcessPhoto runs extraction for one uploaded photo and persists the
// outcome. Transient failures are retried with exponential backoff; after
// exhausting retries the photo is marked verified-without-face so nothing
// stays stuck in processing. The returned status is always terminal.
func (p *Pipeline) ProcessPhoto(ctx context.Context, task models.PhotoTask) (models.PhotoStatus, error) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return models.PhotoStatusExtracting, err
			}
			slog.Info("retrying photo ingestion",
				"photo_id", task.PhotoID, "attempt", attempt, "error", lastErr)
		}

		status, err := p.processOnce(ctx, task)
		if err == nil {
			observability.PhotosIngested.WithLabelValues(string(status)).Inc()
			return status, nil
		}
		if ctx.Err() != nil {
			return models.PhotoStatusExtracting, ctx.Err()
		}
		lastErr = err
	}

	// Retries exhausted: record a terminal failure on this photo only.
	slog.Error("photo ingestion failed after retries",
		"photo_id", task.PhotoID, "event_id", task.EventID,
		"retries", p.cfg.MaxRetries, "error", lastErr)

	if err := p.db.MarkPhotoProcessed(ctx, task.PhotoID, false); err != nil {
		return models.PhotoStatusExtracting, fmt.Errorf("mark failed photo: %w", err)
	}

	observability.PhotosIngested.WithLabelValues(string(models.PhotoStatusFailed)).Inc()
	return models.PhotoStatusFailed, nil
}

// processOnce is one extraction attempt. The write order is load-bearing:
// embeddings are persisted before the detected flag flips, and the flag
// flips before the event counters move, so a reader can never observe
// is_face_detected with zero stored embeddings.
func (p *Pipeline) processOnce(ctx context.Context, task models.PhotoTask) (models.PhotoStatus, error) {
	data, err := p.objects.GetObject(ctx, task.FileKey)
	if err != nil {
		return models.PhotoStatusExtracting, fmt.Errorf("download %s: %w", task.FileKey, err)
	}

	result, err := p.extractor.Extract(ctx, data, vision.AllFaces)
	if err != nil {
		return models.PhotoStatusExtracting, fmt.Errorf("extract: %w", err)
	}

	vectors := p.usableVectors(task.PhotoID, result)

	if len(vectors) == 0 {
		// Normal terminal outcome, not an error.
		if err := p.db.MarkPhotoProcessed(ctx, task.PhotoID, false); err != nil {
			return models.PhotoStatusExtracting, fmt.Errorf("mark no-face photo: %w", err)
		}
		if err := p.db.AddEventImage(ctx, task.EventID, task.Size); err != nil {
			return models.PhotoStatusExtracting, fmt.Errorf("bump counters: %w", err)
		}
		return models.PhotoStatusNoFaceDetected, nil
	}

	if err := p.db.InsertFaceEmbeddings(ctx, task.PhotoID, vectors); err != nil {
		return models.PhotoStatusExtracting, fmt.Errorf("persist embeddings: %w", err)
	}
	if err := p.db.MarkPhotoProcessed(ctx, task.PhotoID, true); err != nil {
		return models.PhotoStatusExtracting, fmt.Errorf("mark detected photo: %w", err)
	}
	if err := p.db.AddEventImage(ctx, task.EventID, task.Size); err != nil {
		return models.PhotoStatusExtracting, fmt.Errorf("bump counters: %w", err)
	}

	observability.FacesDetected.WithLabelValues(task.EventID.String()).Add(float64(len(vectors)))
	observability.EmbeddingsStored.Add(float64(len(vectors)))

	return models.PhotoStatusFaceDetected, nil
}

// usableVectors filters out embeddings that would be rejected by the store;
// a single malformed descriptor costs itself, not the photo.
func (p *Pipeline) usableVectors(photoID uuid.UUID, result vision.Result) [][]float32 {
	vectors := make([][]float32, 0, len(result.Embeddings))
	for _, vec := range result.Embeddings {
		if err := p.db.ValidateEmbedding(vec); err != nil {
			slog.Warn("dropping embedding", "photo_id", photoID, "error", err)
			observability.EmbeddingsDropped.WithLabelValues("invalid").Inc()
			continue
		}
		vectors = append(vectors, vec)
	}
	return vectors
}

func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	delay := p.cfg.RetryBackoff << (attempt - 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// FinishEventIfIdle clears the event's processing flag once no photo of the
// event remains unverified. Used by the queue worker, where no single
// process sees the whole batch.
func (p *Pipeline) FinishEventIfIdle(ctx context.Context, eventID uuid.UUID) error {
	remaining, err := p.db.CountUnverifiedPhotos(ctx, eventID)
	if err != nil {
		return fmt.Errorf("count unverified: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	return p.db.SetProcessingFaceDetection(ctx, eventID, false)
}
