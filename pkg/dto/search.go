package dto

import "github.com/google/uuid"

type SearchMatch struct {
	PhotoID    uuid.UUID `json:"photo_id"`
	FileName   string    `json:"file_name"`
	Similarity float64   `json:"similarity"`
	UploadedAt string    `json:"uploaded_at"`
	URL        string    `json:"url,omitempty"`
}

type SearchResponse struct {
	Matches []SearchMatch `json:"matches"`
	Total   int           `json:"total"`
}
