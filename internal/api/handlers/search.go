package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/match"
	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/storage"
	"github.com/your-org/snapmatch/internal/vision"
	"github.com/your-org/snapmatch/pkg/dto"
)

// CandidateSource adapts the Postgres store to the matcher's streaming
// interface.
type CandidateSource struct {
	db *storage.PostgresStore
}

func NewCandidateSource(db *storage.PostgresStore) *CandidateSource {
	return &CandidateSource{db: db}
}

func (s *CandidateSource) Candidates(ctx context.Context, scope models.Scope) (match.CandidateRows, error) {
	rows, err := s.db.Candidates(ctx, scope)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type SearchHandler struct {
	db        *storage.PostgresStore
	minio     *storage.MinIOStore
	extractor *vision.Extractor
	matcher   *match.Matcher
	threshold float64
	timeout   time.Duration
}

func NewSearchHandler(db *storage.PostgresStore, minio *storage.MinIOStore, extractor *vision.Extractor, matcher *match.Matcher, threshold float64, timeout time.Duration) *SearchHandler {
	return &SearchHandler{
		db:        db,
		minio:     minio,
		extractor: extractor,
		matcher:   matcher,
		threshold: threshold,
		timeout:   timeout,
	}
}

// Search matches an uploaded selfie against an event's photos. A selfie
// with no detectable face is a client error, distinct from a successful
// search that happens to find nothing.
func (h *SearchHandler) Search(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid event id"))
		return
	}

	event, err := h.db.GetEvent(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, dto.Err(http.StatusNotFound, "event not found"))
		return
	}

	scope := models.Scope{EventID: eventID}
	if folderStr := c.PostForm("folder_id"); folderStr != "" {
		id, err := uuid.Parse(folderStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid folder_id"))
			return
		}
		scope.FolderID = &id
	}

	file, _, err := c.Request.FormFile("selfie")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "selfie image required"))
		return
	}
	defer file.Close()

	imageData, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, "read image failed"))
		return
	}

	result, err := h.extractor.Extract(c.Request.Context(), imageData, vision.MainFace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, "face extraction failed"))
		return
	}
	if !result.Detected() {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "no face detected in the uploaded image"))
		return
	}

	threshold := h.threshold
	if thStr := c.PostForm("threshold"); thStr != "" {
		th, err := strconv.ParseFloat(thStr, 64)
		if err != nil || th < -1 || th > 1 {
			c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "threshold must be in [-1, 1]"))
			return
		}
		threshold = th
	}

	limit := 0
	if limStr := c.PostForm("limit"); limStr != "" {
		n, err := strconv.Atoi(limStr)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	matches, err := h.matcher.MatchWithThreshold(ctx, result.Embeddings[0], scope, threshold)
	switch {
	case errors.Is(err, match.ErrNoFaceInQuery):
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "no face detected in the uploaded image"))
		return
	case errors.Is(err, match.ErrMatchTimeout):
		c.JSON(http.StatusGatewayTimeout, dto.Err(http.StatusGatewayTimeout, "search timed out"))
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	resp := dto.SearchResponse{Matches: make([]dto.SearchMatch, 0, len(matches))}
	for _, m := range matches {
		url, err := h.minio.PresignedGetURL(c.Request.Context(), m.FileKey)
		if err != nil {
			url = ""
		}
		resp.Matches = append(resp.Matches, dto.SearchMatch{
			PhotoID:    m.PhotoID,
			FileName:   m.FileName,
			Similarity: m.Similarity,
			UploadedAt: m.UploadedAt.Format("2006-01-02T15:04:05Z"),
			URL:        url,
		})
	}
	resp.Total = len(resp.Matches)

	c.JSON(http.StatusOK, dto.OK(http.StatusOK, "search complete", resp))
}
