package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/snapmatch/internal/storage"
	"github.com/your-org/snapmatch/pkg/dto"
)

type EventHandler struct {
	db *storage.PostgresStore
}

func NewEventHandler(db *storage.PostgresStore) *EventHandler {
	return &EventHandler{db: db}
}

func (h *EventHandler) Create(c *gin.Context) {
	var req dto.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, err.Error()))
		return
	}

	event, err := h.db.CreateEvent(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusCreated, dto.OK(http.StatusCreated, "event created", dto.EventResponse{
		ID:        event.ID,
		Name:      event.Name,
		CreatedAt: event.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}))
}

func (h *EventHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid event id"))
		return
	}

	event, err := h.db.GetEvent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, dto.Err(http.StatusNotFound, "event not found"))
		return
	}

	c.JSON(http.StatusOK, dto.OK(http.StatusOK, "event", dto.EventResponse{
		ID:                        event.ID,
		Name:                      event.Name,
		TotalImageCount:           event.TotalImageCount,
		TotalImageSize:            event.TotalImageSize,
		IsProcessingFaceDetection: event.IsProcessingFaceDetection,
		CreatedAt:                 event.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}))
}

func (h *EventHandler) CreateFolder(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, "invalid event id"))
		return
	}

	var req dto.CreateFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.Err(http.StatusBadRequest, err.Error()))
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

	folder, err := h.db.CreateFolder(c.Request.Context(), eventID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.Err(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusCreated, dto.OK(http.StatusCreated, "folder created", dto.FolderResponse{
		ID:        folder.ID,
		EventID:   folder.EventID,
		Name:      folder.Name,
		CreatedAt: folder.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}))
}
