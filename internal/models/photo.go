package models

import (
	"time"

	"github.com/google/uuid"
)

// PhotoStatus is the ingestion state of one photo. Every photo eventually
// reaches one of the three terminal states; none stays in extracting.
type PhotoStatus string

const (
	PhotoStatusUploaded       PhotoStatus = "uploaded"
	PhotoStatusExtracting     PhotoStatus = "extracting"
	PhotoStatusFaceDetected   PhotoStatus = "face_detected"
	PhotoStatusNoFaceDetected PhotoStatus = "no_face_detected"
	PhotoStatusFailed         PhotoStatus = "failed"
)

// Terminal reports whether the status is an end state of ingestion.
func (s PhotoStatus) Terminal() bool {
	switch s {
	case PhotoStatusFaceDetected, PhotoStatusNoFaceDetected, PhotoStatusFailed:
		return true
	}
	return false
}

type Photo struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	EventID        uuid.UUID  `json:"event_id" db:"event_id"`
	FolderID       *uuid.UUID `json:"folder_id,omitempty" db:"folder_id"`
	FileKey        string     `json:"file_key" db:"file_key"`
	FileName       string     `json:"file_name" db:"file_name"`
	Size           int64      `json:"size" db:"size"`
	IsFaceDetected bool       `json:"is_face_detected" db:"is_face_detected"`
	IsFaceVerified bool       `json:"is_face_verified" db:"is_face_verified"`
	UploadedAt     time.Time  `json:"uploaded_at" db:"uploaded_at"`
}

// FaceEmbedding is one detected face of a photo. Immutable once written;
// deleted together with the owning photo.
type FaceEmbedding struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PhotoID   uuid.UUID `json:"photo_id" db:"photo_id"`
	Vector    []float32 `json:"-" db:"vector"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Candidate is one stored embedding plus the photo metadata a match result
// needs, as streamed out of the vector store.
type Candidate struct {
	PhotoID    uuid.UUID
	Vector     []float32
	FileKey    string
	FileName   string
	UploadedAt time.Time
}

// PhotoTask is the message published to NATS for worker-side ingestion.
// The inline API path builds the identical struct, so both paths persist
// the same state.
type PhotoTask struct {
	EventID  uuid.UUID  `json:"event_id"`
	PhotoID  uuid.UUID  `json:"photo_id"`
	FolderID *uuid.UUID `json:"folder_id,omitempty"`
	FileKey  string     `json:"file_key"`
	Size     int64      `json:"size"`
}

// ProgressEvent reports per-photo ingestion progress for a batch upload.
type ProgressEvent struct {
	EventID   uuid.UUID   `json:"event_id"`
	PhotoID   uuid.UUID   `json:"photo_id"`
	Status    PhotoStatus `json:"status"`
	Faces     int         `json:"faces"`
	Processed int         `json:"processed"`
	Total     int         `json:"total"`
	Timestamp time.Time   `json:"timestamp"`
}
