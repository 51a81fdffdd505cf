package models

import (
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID                        uuid.UUID `json:"id" db:"id"`
	Name                      string    `json:"name" db:"name"`
	TotalImageCount           int64     `json:"total_image_count" db:"total_image_count"`
	TotalImageSize            int64     `json:"total_image_size" db:"total_image_size"`
	IsProcessingFaceDetection bool      `json:"is_processing_face_detection" db:"is_processing_face_detection"`
	CreatedAt                 time.Time `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at" db:"updated_at"`
}

type EventFolder struct {
	ID        uuid.UUID `json:"id" db:"id"`
	EventID   uuid.UUID `json:"event_id" db:"event_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Scope restricts a candidate set to one event, optionally narrowed to a folder.
type Scope struct {
	EventID  uuid.UUID  `json:"event_id"`
	FolderID *uuid.UUID `json:"folder_id,omitempty"`
}
