package dto

import "github.com/google/uuid"

type PhotoResponse struct {
	ID             uuid.UUID  `json:"id"`
	EventID        uuid.UUID  `json:"event_id"`
	FolderID       *uuid.UUID `json:"folder_id,omitempty"`
	FileName       string     `json:"file_name"`
	Size           int64      `json:"size"`
	IsFaceDetected bool       `json:"is_face_detected"`
	IsFaceVerified bool       `json:"is_face_verified"`
	UploadedAt     string     `json:"uploaded_at"`
	URL            string     `json:"url,omitempty"`
}

type PhotoListResponse struct {
	Photos []PhotoResponse `json:"photos"`
	Total  int             `json:"total"`
}

// UploadAcceptedResponse acknowledges a batch upload whose extraction
// continues asynchronously.
type UploadAcceptedResponse struct {
	EventID  uuid.UUID   `json:"event_id"`
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	PhotoIDs []uuid.UUID `json:"photo_ids"`
}

// WSProgress is the WebSocket message sent as each photo of a batch
// reaches a terminal state.
type WSProgress struct {
	Type      string    `json:"type"`
	EventID   uuid.UUID `json:"event_id"`
	PhotoID   uuid.UUID `json:"photo_id"`
	Status    string    `json:"status"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Timestamp string    `json:"timestamp"`
}
