package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhotosIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapmatch",
		Name:      "photos_ingested_total",
		Help:      "Total number of photos that reached a terminal ingestion state",
	}, []string{"outcome"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapmatch",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected in ingested photos",
	}, []string{"event_id"})

	EmbeddingsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snapmatch",
		Name:      "embeddings_stored_total",
		Help:      "Total number of face embeddings persisted",
	})

	EmbeddingsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapmatch",
		Name:      "embeddings_dropped_total",
		Help:      "Embeddings rejected before persistence",
	}, []string{"reason"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapmatch",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapmatch",
		Name:      "match_duration_seconds",
		Help:      "Wall-clock duration of a full match request",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapmatch",
		Name:      "match_candidates_scanned",
		Help:      "Number of candidate embeddings scanned per match request",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapmatch",
		Name:      "queue_depth",
		Help:      "Number of pending photo tasks in queue",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapmatch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapmatch",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
