package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/vision"
)

type fakeObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	failKey string
}

func (f *fakeObjects) GetObject(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failKey {
		return nil, errors.New("object store unavailable")
	}
	if d, ok := f.data[key]; ok {
		return d, nil
	}
	return []byte("image-bytes"), nil
}

type fakeExtractor struct {
	mu sync.Mutex
	// byKey maps image bytes to embeddings; nil entry means no face.
	results map[string][][]float32
	errOn   map[string]int // remaining failures per input
}

func (f *fakeExtractor) Extract(ctx context.Context, imageData []byte, mode vision.Mode) (vision.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(imageData)
	if n, ok := f.errOn[key]; ok && n != 0 {
		if n > 0 {
			f.errOn[key] = n - 1
		}
		return vision.Result{}, errors.New("inference session failed")
	}
	return vision.Result{Embeddings: f.results[key]}, nil
}

type fakeStore struct {
	mu         sync.Mutex
	dim        int
	log        []string
	embeddings map[uuid.UUID][][]float32
	processed  map[uuid.UUID]bool // photoID -> faceDetected
	imageCount int
	imageSize  int64
	processing map[uuid.UUID]bool
	unverified int
}

func newFakeStore(dim int) *fakeStore {
	return &fakeStore{
		dim:        dim,
		embeddings: make(map[uuid.UUID][][]float32),
		processed:  make(map[uuid.UUID]bool),
		processing: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) record(format string, args ...any) {
	f.log = append(f.log, fmt.Sprintf(format, args...))
}

func (f *fakeStore) InsertFaceEmbeddings(ctx context.Context, photoID uuid.UUID, vectors [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range vectors {
		if err := f.validate(v); err != nil {
			return err
		}
	}
	f.embeddings[photoID] = vectors
	f.record("insert %s", photoID)
	return nil
}

func (f *fakeStore) MarkPhotoProcessed(ctx context.Context, photoID uuid.UUID, faceDetected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[photoID] = faceDetected
	f.record("mark %s %v", photoID, faceDetected)
	return nil
}

func (f *fakeStore) AddEventImage(ctx context.Context, eventID uuid.UUID, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCount++
	f.imageSize += size
	f.record("count %s", eventID)
	return nil
}

func (f *fakeStore) SetProcessingFaceDetection(ctx context.Context, eventID uuid.UUID, processing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing[eventID] = processing
	f.record("processing %v", processing)
	return nil
}

func (f *fakeStore) CountUnverifiedPhotos(ctx context.Context, eventID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unverified, nil
}

func (f *fakeStore) ValidateEmbedding(vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validate(vec)
}

func (f *fakeStore) validate(vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("dimension %d, want %d", len(vec), f.dim)
	}
	allZero := true
	for _, x := range vec {
		if math.IsNaN(float64(x)) {
			return errors.New("NaN component")
		}
		if x != 0 {
			allZero = false
		}
	}
	if allZero {
		return errors.New("all-zero vector")
	}
	return nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Concurrency:  3,
		ChunkSize:    8,
		ChunkPause:   time.Millisecond,
	}
}

func testTask() models.PhotoTask {
	return models.PhotoTask{
		EventID: uuid.New(),
		PhotoID: uuid.New(),
		FileKey: "events/x/photo.jpg",
		Size:    1234,
	}
}

func TestProcessPhotoDetected(t *testing.T) {
	store := newFakeStore(3)
	ext := &fakeExtractor{results: map[string][][]float32{
		"image-bytes": {{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
	}}
	p := NewPipeline(ext, store, &fakeObjects{}, testIngestConfig())

	task := testTask()
	status, err := p.ProcessPhoto(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PhotoStatusFaceDetected {
		t.Fatalf("status = %v, want face_detected", status)
	}
	if len(store.embeddings[task.PhotoID]) != 2 {
		t.Errorf("stored %d embeddings, want 2", len(store.embeddings[task.PhotoID]))
	}
	if detected, ok := store.processed[task.PhotoID]; !ok || !detected {
		t.Error("photo not marked as face detected")
	}
	if store.imageCount != 1 || store.imageSize != 1234 {
		t.Errorf("counters = (%d, %d), want (1, 1234)", store.imageCount, store.imageSize)
	}

	// Persist, then flag, then counters.
	want := []string{
		fmt.Sprintf("insert %s", task.PhotoID),
		fmt.Sprintf("mark %s true", task.PhotoID),
		fmt.Sprintf("count %s", task.EventID),
	}
	if len(store.log) != len(want) {
		t.Fatalf("write log %v, want %v", store.log, want)
	}
	for i := range want {
		if store.log[i] != want[i] {
			t.Fatalf("write order %v, want %v", store.log, want)
		}
	}
}

func TestProcessPhotoNoFace(t *testing.T) {
	store := newFakeStore(3)
	ext := &fakeExtractor{} // no results configured: no face
	p := NewPipeline(ext, store, &fakeObjects{}, testIngestConfig())

	task := testTask()
	status, err := p.ProcessPhoto(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PhotoStatusNoFaceDetected {
		t.Fatalf("status = %v, want no_face_detected", status)
	}
	if len(store.embeddings) != 0 {
		t.Error("embeddings stored for a faceless photo")
	}
	if detected := store.processed[task.PhotoID]; detected {
		t.Error("faceless photo marked as detected")
	}
	if store.imageCount != 1 {
		t.Errorf("counters = %d, want 1 (no-face photos still count)", store.imageCount)
	}
}

// Running the same faceless photo twice changes nothing beyond the first run.
func TestProcessPhotoNoFaceIdempotent(t *testing.T) {
	store := newFakeStore(3)
	p := NewPipeline(&fakeExtractor{}, store, &fakeObjects{}, testIngestConfig())

	task := testTask()
	for i := 0; i < 2; i++ {
		if _, err := p.ProcessPhoto(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.embeddings) != 0 {
		t.Error("repeat run produced embeddings")
	}
	if detected := store.processed[task.PhotoID]; detected {
		t.Error("repeat run flipped the detected flag")
	}
}

func TestProcessPhotoRetriesTransientFailure(t *testing.T) {
	store := newFakeStore(3)
	ext := &fakeExtractor{
		results: map[string][][]float32{"image-bytes": {{0.1, 0.2, 0.3}}},
		errOn:   map[string]int{"image-bytes": 2}, // fail twice, then succeed
	}
	p := NewPipeline(ext, store, &fakeObjects{}, testIngestConfig())

	status, err := p.ProcessPhoto(context.Background(), testTask())
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PhotoStatusFaceDetected {
		t.Fatalf("status = %v, want face_detected after retries", status)
	}
}

func TestProcessPhotoTerminalFailure(t *testing.T) {
	store := newFakeStore(3)
	ext := &fakeExtractor{errOn: map[string]int{"image-bytes": -1}} // fail forever
	p := NewPipeline(ext, store, &fakeObjects{}, testIngestConfig())

	task := testTask()
	status, err := p.ProcessPhoto(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PhotoStatusFailed {
		t.Fatalf("status = %v, want failed", status)
	}
	if detected, ok := store.processed[task.PhotoID]; !ok || detected {
		t.Error("failed photo must be verified without a face")
	}
	if store.imageCount != 0 {
		t.Error("failed photo must not move the counters")
	}
}

func TestProcessPhotoDropsInvalidVectors(t *testing.T) {
	store := newFakeStore(3)
	ext := &fakeExtractor{results: map[string][][]float32{
		"image-bytes": {
			{0.1, 0.2, 0.3},
			{float32(math.NaN()), 0.2, 0.3},
			{0, 0, 0},
			{0.4, 0.5}, // wrong dimension
		},
	}}
	p := NewPipeline(ext, store, &fakeObjects{}, testIngestConfig())

	task := testTask()
	status, err := p.ProcessPhoto(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PhotoStatusFaceDetected {
		t.Fatalf("status = %v, want face_detected", status)
	}
	if got := len(store.embeddings[task.PhotoID]); got != 1 {
		t.Errorf("stored %d embeddings, want 1 (invalid ones dropped)", got)
	}
}

func TestProcessPhotoAllVectorsInvalid(t *testing.T) {
	store := newFakeStore(3)
	ext := &fakeExtractor{results: map[string][][]float32{
		"image-bytes": {{0, 0, 0}},
	}}
	p := NewPipeline(ext, store, &fakeObjects{}, testIngestConfig())

	status, err := p.ProcessPhoto(context.Background(), testTask())
	if err != nil {
		t.Fatal(err)
	}
	if status != models.PhotoStatusNoFaceDetected {
		t.Fatalf("status = %v, want no_face_detected when nothing usable remains", status)
	}
}

func TestFinishEventIfIdle(t *testing.T) {
	store := newFakeStore(3)
	p := NewPipeline(&fakeExtractor{}, store, &fakeObjects{}, testIngestConfig())
	eventID := uuid.New()
	store.processing[eventID] = true

	store.unverified = 2
	if err := p.FinishEventIfIdle(context.Background(), eventID); err != nil {
		t.Fatal(err)
	}
	if !store.processing[eventID] {
		t.Fatal("flag cleared while photos remain unverified")
	}

	store.unverified = 0
	if err := p.FinishEventIfIdle(context.Background(), eventID); err != nil {
		t.Fatal(err)
	}
	if store.processing[eventID] {
		t.Fatal("flag not cleared once every photo is terminal")
	}
}
