package dto

import "github.com/google/uuid"

type CreateEventRequest struct {
	Name string `json:"name" binding:"required"`
}

type EventResponse struct {
	ID                        uuid.UUID `json:"id"`
	Name                      string    `json:"name"`
	TotalImageCount           int64     `json:"total_image_count"`
	TotalImageSize            int64     `json:"total_image_size"`
	IsProcessingFaceDetection bool      `json:"is_processing_face_detection"`
	CreatedAt                 string    `json:"created_at"`
}

type CreateFolderRequest struct {
	Name string `json:"name" binding:"required"`
}

type FolderResponse struct {
	ID        uuid.UUID `json:"id"`
	EventID   uuid.UUID `json:"event_id"`
	Name      string    `json:"name"`
	CreatedAt string    `json:"created_at"`
}
