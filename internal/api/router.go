package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/snapmatch/internal/api/handlers"
	"github.com/your-org/snapmatch/internal/api/ws"
	"github.com/your-org/snapmatch/internal/auth"
	"github.com/your-org/snapmatch/internal/ingest"
	"github.com/your-org/snapmatch/internal/match"
	"github.com/your-org/snapmatch/internal/queue"
	"github.com/your-org/snapmatch/internal/storage"
	"github.com/your-org/snapmatch/internal/vision"
)

type RouterConfig struct {
	APIKey         string
	DB             *storage.PostgresStore
	MinIO          *storage.MinIOStore
	Producer       *queue.Producer
	Hub            *ws.Hub
	Extractor      *vision.Extractor
	Matcher        *match.Matcher
	Batcher        *ingest.Batcher
	MatchThreshold float64
	MatchTimeout   time.Duration
	UseQueue       bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Events & Folders
	eventH := handlers.NewEventHandler(cfg.DB)
	v1.POST("/events", eventH.Create)
	v1.GET("/events/:id", eventH.Get)
	v1.POST("/events/:id/folders", eventH.CreateFolder)

	// Photos
	photoH := handlers.NewPhotoHandler(cfg.DB, cfg.MinIO, cfg.Producer, cfg.Batcher, cfg.UseQueue)
	v1.POST("/events/:id/photos", photoH.Upload)
	v1.GET("/events/:id/photos", photoH.List)
	v1.GET("/photos/:id", photoH.Get)
	v1.DELETE("/photos/:id", photoH.Delete)

	// Selfie search
	searchH := handlers.NewSearchHandler(cfg.DB, cfg.MinIO, cfg.Extractor, cfg.Matcher, cfg.MatchThreshold, cfg.MatchTimeout)
	v1.POST("/events/:id/search", searchH.Search)

	return r
}
