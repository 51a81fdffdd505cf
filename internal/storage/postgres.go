package storage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/models"
)

// ErrInvalidEmbedding marks a vector rejected before persistence: wrong
// dimensionality, NaN components, or all zeros. Such vectors produce
// degenerate similarity scores and never reach the store.
var ErrInvalidEmbedding = errors.New("invalid embedding vector")

type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(cfg config.DatabaseConfig, embeddingDim int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, dim: embeddingDim}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, name string) (*models.Event, error) {
	ev := &models.Event{
		ID:   uuid.New(),
		Name: name,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (id, name) VALUES ($1, $2) RETURNING created_at, updated_at`,
		ev.ID, ev.Name,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	ev := &models.Event{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, total_image_count, total_image_size, is_processing_face_detection, created_at, updated_at
		 FROM events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Name, &ev.TotalImageCount, &ev.TotalImageSize,
		&ev.IsProcessingFaceDetection, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) CreateFolder(ctx context.Context, eventID uuid.UUID, name string) (*models.EventFolder, error) {
	f := &models.EventFolder{
		ID:      uuid.New(),
		EventID: eventID,
		Name:    name,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO event_folders (id, event_id, name) VALUES ($1, $2, $3) RETURNING created_at`,
		f.ID, f.EventID, f.Name,
	).Scan(&f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, id uuid.UUID) (*models.EventFolder, error) {
	f := &models.EventFolder{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, name, created_at FROM event_folders WHERE id = $1`, id,
	).Scan(&f.ID, &f.EventID, &f.Name, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return f, nil
}

// AddEventImage bumps the aggregate counters for one successfully ingested
// photo. A single UPDATE keeps the read-modify-write row-locked, so
// concurrent ingestion of the same event cannot lose increments.
func (s *PostgresStore) AddEventImage(ctx context.Context, eventID uuid.UUID, size int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET total_image_count = total_image_count + 1,
		                   total_image_size = total_image_size + $2,
		                   updated_at = now()
		 WHERE id = $1`, eventID, size)
	if err != nil {
		return fmt.Errorf("add event image: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveEventImage(ctx context.Context, eventID uuid.UUID, size int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET total_image_count = greatest(total_image_count - 1, 0),
		                   total_image_size = greatest(total_image_size - $2, 0),
		                   updated_at = now()
		 WHERE id = $1`, eventID, size)
	if err != nil {
		return fmt.Errorf("remove event image: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetProcessingFaceDetection(ctx context.Context, eventID uuid.UUID, processing bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET is_processing_face_detection = $2, updated_at = now() WHERE id = $1`,
		eventID, processing)
	if err != nil {
		return fmt.Errorf("set processing flag: %w", err)
	}
	return nil
}

// --- Photos ---

func (s *PostgresStore) CreatePhoto(ctx context.Context, p *models.Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO photos (id, event_id, folder_id, file_key, file_name, size, is_face_detected, is_face_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, false, false) RETURNING uploaded_at`,
		p.ID, p.EventID, p.FolderID, p.FileKey, p.FileName, p.Size,
	).Scan(&p.UploadedAt)
	if err != nil {
		return fmt.Errorf("create photo: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	p := &models.Photo{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, folder_id, file_key, file_name, size, is_face_detected, is_face_verified, uploaded_at
		 FROM photos WHERE id = $1`, id,
	).Scan(&p.ID, &p.EventID, &p.FolderID, &p.FileKey, &p.FileName, &p.Size,
		&p.IsFaceDetected, &p.IsFaceVerified, &p.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return p, nil
}

// MarkPhotoProcessed records extraction's terminal outcome: verified is
// always set, detected only when at least one embedding was persisted.
func (s *PostgresStore) MarkPhotoProcessed(ctx context.Context, photoID uuid.UUID, faceDetected bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE photos SET is_face_detected = $2, is_face_verified = true WHERE id = $1`,
		photoID, faceDetected)
	if err != nil {
		return fmt.Errorf("mark photo processed: %w", err)
	}
	return nil
}

// DeletePhoto removes a photo, its embeddings, and its counter contribution
// in one transaction.
func (s *PostgresStore) DeletePhoto(ctx context.Context, photo *models.Photo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete photo: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM face_embeddings WHERE photo_id = $1`, photo.ID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM photos WHERE id = $1`, photo.ID)
	if err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("photo not found")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE events SET total_image_count = greatest(total_image_count - 1, 0),
		                   total_image_size = greatest(total_image_size - $2, 0),
		                   updated_at = now()
		 WHERE id = $1`, photo.EventID, photo.Size); err != nil {
		return fmt.Errorf("decrement counters: %w", err)
	}

	return tx.Commit(ctx)
}

// --- Face embeddings ---

// ValidateEmbedding rejects vectors that would poison similarity scoring.
func (s *PostgresStore) ValidateEmbedding(vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidEmbedding, len(vec), s.dim)
	}
	allZero := true
	for _, x := range vec {
		if math.IsNaN(float64(x)) {
			return fmt.Errorf("%w: NaN component", ErrInvalidEmbedding)
		}
		if x != 0 {
			allZero = false
		}
	}
	if allZero {
		return fmt.Errorf("%w: all-zero vector", ErrInvalidEmbedding)
	}
	return nil
}

// InsertFaceEmbeddings persists every embedding of one photo in a single
// transaction: a reader sees all of a photo's faces or none.
func (s *PostgresStore) InsertFaceEmbeddings(ctx context.Context, photoID uuid.UUID, vectors [][]float32) error {
	for _, vec := range vectors {
		if err := s.ValidateEmbedding(vec); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert embeddings: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, vec := range vectors {
		if _, err := tx.Exec(ctx,
			`INSERT INTO face_embeddings (id, photo_id, vector) VALUES ($1, $2, $3)`,
			uuid.New(), photoID, pgvector.NewVector(vec)); err != nil {
			return fmt.Errorf("insert face embedding: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) CountEmbeddings(ctx context.Context, photoID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM face_embeddings WHERE photo_id = $1`, photoID,
	).Scan(&count)
	return count, err
}

// CountUnverifiedPhotos returns how many photos of the event have not yet
// reached a terminal ingestion state.
func (s *PostgresStore) CountUnverifiedPhotos(ctx context.Context, eventID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM photos WHERE event_id = $1 AND is_face_verified = false`, eventID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unverified photos: %w", err)
	}
	return count, nil
}

// ListEventPhotos returns the event's photos in upload order, optionally
// restricted to one folder.
func (s *PostgresStore) ListEventPhotos(ctx context.Context, scope models.Scope) ([]models.Photo, error) {
	query := `SELECT id, event_id, folder_id, file_key, file_name, size, is_face_detected, is_face_verified, uploaded_at
	          FROM photos WHERE event_id = $1`
	args := []any{scope.EventID}
	if scope.FolderID != nil {
		query += ` AND folder_id = $2`
		args = append(args, *scope.FolderID)
	}
	query += ` ORDER BY uploaded_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer rows.Close()

	var photos []models.Photo
	for rows.Next() {
		var p models.Photo
		if err := rows.Scan(&p.ID, &p.EventID, &p.FolderID, &p.FileKey, &p.FileName, &p.Size,
			&p.IsFaceDetected, &p.IsFaceVerified, &p.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

// --- Candidate streaming ---

// CandidateRows streams one candidate per stored embedding; rows stay on
// the server side cursor, so a scope of thousands of photos never
// materializes at once. Satisfies match.CandidateRows.
type CandidateRows struct {
	rows pgx.Rows
}

func (r *CandidateRows) Next() bool {
	return r.rows.Next()
}

func (r *CandidateRows) Candidate() (models.Candidate, error) {
	var c models.Candidate
	var vec pgvector.Vector
	if err := r.rows.Scan(&c.PhotoID, &vec, &c.FileKey, &c.FileName, &c.UploadedAt); err != nil {
		return models.Candidate{}, fmt.Errorf("scan candidate: %w", err)
	}
	c.Vector = vec.Slice()
	return c, nil
}

func (r *CandidateRows) Err() error {
	return r.rows.Err()
}

func (r *CandidateRows) Close() {
	r.rows.Close()
}

// Candidates returns the stored embeddings of the scope's face-detected
// photos. Photos without a detected face are excluded up front; they can
// never score.
func (s *PostgresStore) Candidates(ctx context.Context, scope models.Scope) (*CandidateRows, error) {
	query := `
		SELECT fe.photo_id, fe.vector, p.file_key, p.file_name, p.uploaded_at
		FROM face_embeddings fe
		JOIN photos p ON p.id = fe.photo_id
		WHERE p.event_id = $1 AND p.is_face_detected`
	args := []interface{}{scope.EventID}

	if scope.FolderID != nil {
		query += ` AND p.folder_id = $2`
		args = append(args, *scope.FolderID)
	}
	query += ` ORDER BY p.uploaded_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	return &CandidateRows{rows: rows}, nil
}
