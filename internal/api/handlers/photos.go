package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/ingest"
	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/queue"
	"github.com/your-org/snapmatch/internal/storage"
	"github.com/your-org/snapmatch/pkg/dto"
)

type PhotoHandler struct {
	db       *storage.PostgresStore
	minio    *storage.MinIOStore
	producer *queue.Producer
	batcher  *ingest.Batcher
	useQueue bool
}

func NewPhotoHandler(db *storage.PostgresStore, minio *storage.MinIOStore, producer *queue.Producer, batcher *ingest.Batcher, useQueue bool) *PhotoHandler {
	return &PhotoHandler{
		db:       db,
		minio:    minio,
		producer: producer,
		batcher:  batcher,
		useQueue: useQueue,
	}
}

// Upload accepts a multipart batch of images, stores each one, and kicks
// off asynchronous extraction. The response arrives before any face work
// starts; clients follow progress over WebSocket or by polling.
func (h *PhotoHandler) Upload(c *gin.Context) {
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

	var folderID *uuid.UUID
	if folderStr := c.PostForm("folder_id"); folderStr != "" {
		id, err := uuid.Parse(folderStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid folder_id"))
			return
		}
		folder, err := h.db.GetFolder(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
			return
		}
		if folder == nil || folder.EventID != eventID {
			c.JSON(http.StatusNotFound, dto.Err(http.StatusNotFound, "folder not found"))
			return
		}
		folderID = &id
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "multipart form required"))
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "at least one image required"))
		return
	}

	tasks := make([]models.PhotoTask, 0, len(files))
	photoIDs := make([]uuid.UUID, 0, len(files))
	rejected := 0

	for _, header := range files {
		file, err := header.Open()
		if err != nil {
			rejected++
			continue
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			rejected++
			continue
		}

		photo := &models.Photo{
			EventID:  eventID,
			FolderID: folderID,
			FileName: header.Filename,
			Size:     int64(len(data)),
		}
		photo.ID = uuid.New()
		photo.FileKey = "events/" + eventID.String() + "/" + photo.ID.String() + "_" + header.Filename

		if err := h.minio.PutObject(c.Request.Context(), photo.FileKey, data, header.Header.Get("Content-Type")); err != nil {
			rejected++
			continue
		}
		if err := h.db.CreatePhoto(c.Request.Context(), photo); err != nil {
			rejected++
			continue
		}

		photoIDs = append(photoIDs, photo.ID)
		tasks = append(tasks, models.PhotoTask{
			EventID:  eventID,
			PhotoID:  photo.ID,
			FolderID: folderID,
			FileKey:  photo.FileKey,
			Size:     photo.Size,
		})
	}

	if len(tasks) == 0 {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "no usable images in upload"))
		return
	}

	if err := h.dispatch(c.Request.Context(), eventID, tasks); err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, dto.OK(http.StatusAccepted, "upload accepted", dto.UploadAcceptedResponse{
		EventID:  eventID,
		Accepted: len(tasks),
		Rejected: rejected,
		PhotoIDs: photoIDs,
	}))
}

// dispatch hands the batch to extraction: over NATS when a worker fleet is
// configured, otherwise inline in this process.
func (h *PhotoHandler) dispatch(ctx context.Context, eventID uuid.UUID, tasks []models.PhotoTask) error {
	if h.useQueue && h.producer != nil {
		if err := h.db.SetProcessingFaceDetection(ctx, eventID, true); err != nil {
			return err
		}
		for _, task := range tasks {
			if err := h.producer.PublishPhotoTask(ctx, eventID.String(), task); err != nil {
				return err
			}
		}
		return nil
	}

	go h.batcher.Run(context.WithoutCancel(ctx), eventID, tasks)
	return nil
}

func (h *PhotoHandler) List(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid event id"))
		return
	}

	scope := models.Scope{EventID: eventID}
	if folderStr := c.Query("folder_id"); folderStr != "" {
		id, err := uuid.Parse(folderStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid folder_id"))
			return
		}
		scope.FolderID = &id
	}

	photos, err := h.db.ListEventPhotos(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}

	resp := dto.PhotoListResponse{Photos: make([]dto.PhotoResponse, 0, len(photos))}
	for _, p := range photos {
		url, err := h.minio.PresignedGetURL(c.Request.Context(), p.FileKey)
		if err != nil {
			url = ""
		}
		resp.Photos = append(resp.Photos, dto.PhotoResponse{
			ID:             p.ID,
			EventID:        p.EventID,
			FolderID:       p.FolderID,
			FileName:       p.FileName,
			Size:           p.Size,
			IsFaceDetected: p.IsFaceDetected,
			IsFaceVerified: p.IsFaceVerified,
			UploadedAt:     p.UploadedAt.Format("2006-01-02T15:04:05Z"),
			URL:            url,
		})
	}
	resp.Total = len(resp.Photos)

	c.JSON(http.StatusOK, dto.OK(http.StatusOK, "photos", resp))
}

func (h *PhotoHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid photo id"))
		return
	}

	photo, err := h.db.GetPhoto(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}
	if photo == nil {
		c.JSON(http.StatusNotFound, dto.Err(http.StatusNotFound, "photo not found"))
		return
	}

	url, err := h.minio.PresignedGetURL(c.Request.Context(), photo.FileKey)
	if err != nil {
		url = ""
	}

	c.JSON(http.StatusOK, dto.OK(http.StatusOK, "photo", dto.PhotoResponse{
		ID:             photo.ID,
		EventID:        photo.EventID,
		FolderID:       photo.FolderID,
		FileName:       photo.FileName,
		Size:           photo.Size,
		IsFaceDetected: photo.IsFaceDetected,
		IsFaceVerified: photo.IsFaceVerified,
		UploadedAt:     photo.UploadedAt.Format("2006-01-02T15:04:05Z"),
		URL:            url,
	}))
}

// Delete removes the photo's object, embeddings, row, and counter
// contribution.
func (h *PhotoHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid photo id"))
		return
	}

	photo, err := h.db.GetPhoto(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}
	if photo == nil {
		c.JSON(http.StatusNotFound, dto.Err(http.StatusNotFound, "photo not found"))
		return
	}

	if err := h.db.DeletePhoto(c.Request.Context(), photo); err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}
	if err := h.minio.DeleteObject(c.Request.Context(), photo.FileKey); err != nil {
		// The row is gone; a leaked object is recoverable by key prefix.
		c.JSON(http.StatusOK, dto.OK(http.StatusOK, "photo deleted, object cleanup pending", nil))
		return
	}

	c.JSON(http.StatusOK, dto.OK(http.StatusOK, "photo deleted", nil))
}
