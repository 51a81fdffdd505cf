package vision

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/snapmatch/internal/config"
	"github.com/your-org/snapmatch/internal/observability"
)

// Mode selects which detected faces get embedded.
type Mode int

const (
	// MainFace embeds only the single largest face (selfie queries).
	MainFace Mode = iota
	// AllFaces embeds every detected face up to the configured cap
	// (event photos may show many people).
	AllFaces
)

// Result is the outcome of one extraction. Callers branch on Detected()
// rather than on error values: "no face" is an expected outcome, not a
// failure.
type Result struct {
	Embeddings [][]float32
}

// Detected reports whether at least one face produced a usable embedding.
func (r Result) Detected() bool {
	return len(r.Embeddings) > 0
}

// faceDetector and faceEmbedder are the slices of the ONNX model types the
// extractor actually needs; the concrete Detector/Embedder satisfy them.
type faceDetector interface {
	Detect(imgData []float32, origW, origH int) ([]Detection, error)
	InputSize() (int, int)
}

type faceEmbedder interface {
	Extract(faceData []float32) ([]float32, error)
	InputSize() (int, int)
	Dim() int
}

// Extractor turns raw image bytes into face embeddings. It is a pure
// function over its inputs; the underlying model sessions are the only
// shared state and are serialized with a mutex, so one Extractor is safe
// to share across a worker pool.
type Extractor struct {
	mu  sync.Mutex
	det faceDetector
	emb faceEmbedder
	cfg config.VisionConfig

	closers []func()
}

// NewExtractor loads the detection and embedding models. ONNX Runtime's
// environment must already be initialized (once per process).
func NewExtractor(cfg config.VisionConfig) (*Extractor, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold))
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &Extractor{
		det:     det,
		emb:     emb,
		cfg:     cfg,
		closers: []func(){det.Close, emb.Close},
	}, nil
}

// Dim returns the dimensionality of produced embeddings.
func (e *Extractor) Dim() int {
	return e.emb.Dim()
}

// Extract decodes imageData, detects faces, and returns one embedding per
// selected face. A Result with no embeddings means no usable face was found,
// including undecodable input, which is an expected condition for
// user-supplied images. A non-nil error means the models themselves failed
// and the operation is worth retrying.
func (e *Extractor) Extract(ctx context.Context, imageData []byte, mode Mode) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	img, err := decodeImage(imageData)
	if err != nil {
		slog.Debug("undecodable image", "error", err)
		return Result{}, nil
	}

	working := normalizeWorkingSize(img, e.cfg.WorkingSizeMin, e.cfg.WorkingSizeMax)
	workW := working.Bounds().Dx()
	workH := working.Bounds().Dy()

	e.mu.Lock()
	defer e.mu.Unlock()

	detW, detH := e.det.InputSize()

	start := time.Now()
	detInput := preprocessForDetection(working, detW, detH)
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	start = time.Now()
	detections, err := e.det.Detect(detInput, workW, workH)
	if err != nil {
		return Result{}, fmt.Errorf("detect: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	if len(detections) == 0 {
		return Result{}, nil
	}

	selected := e.selectFaces(detections, mode, workW, workH)
	if len(selected) == 0 {
		return Result{}, nil
	}

	embW, embH := e.emb.InputSize()
	embeddings := make([][]float32, 0, len(selected))

	for _, det := range selected {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		crop := cropFace(working, det.BBox)
		if crop == nil {
			continue
		}

		start = time.Now()
		embInput := preprocessForEmbedding(crop, embW, embH)
		vec, err := e.emb.Extract(embInput)
		observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
		if err != nil {
			// One bad face must not sink the whole image.
			slog.Warn("embed face failed", "error", err)
			continue
		}
		if len(vec) != e.emb.Dim() {
			slog.Warn("dropping malformed descriptor", "got", len(vec), "want", e.emb.Dim())
			observability.EmbeddingsDropped.WithLabelValues("dim_mismatch").Inc()
			continue
		}

		embeddings = append(embeddings, vec)
	}

	return Result{Embeddings: embeddings}, nil
}

// selectFaces applies the mode's selection policy to raw detections.
func (e *Extractor) selectFaces(detections []Detection, mode Mode, workW, workH int) []Detection {
	if mode == MainFace {
		largest := detections[0]
		for _, d := range detections[1:] {
			if d.Area() > largest.Area() {
				largest = d
			}
		}
		if largest.Area() < e.minFaceArea(workW, workH) {
			return nil
		}
		return []Detection{largest}
	}

	// AllFaces: prefer sharp, frontal, well-separated faces over raw count.
	type scored struct {
		det   Detection
		score float64
	}
	ranked := make([]scored, 0, len(detections))
	for _, d := range detections {
		ranked = append(ranked, scored{d, float64(d.Area()) * d.LandmarkDispersion()})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	max := e.cfg.MaxFaces
	if max <= 0 {
		max = 20
	}
	if len(ranked) > max {
		ranked = ranked[:max]
	}

	out := make([]Detection, len(ranked))
	for i, r := range ranked {
		out[i] = r.det
	}
	return out
}

// minFaceArea is the floor below which a face is too small to embed
// reliably: a fraction of the working image's minimum dimension, squared.
func (e *Extractor) minFaceArea(workW, workH int) float32 {
	minDim := workW
	if workH < minDim {
		minDim = workH
	}
	side := e.cfg.MinFaceFraction * float64(minDim)
	return float32(side * side)
}

// Close releases all ONNX sessions.
func (e *Extractor) Close() {
	for _, c := range e.closers {
		c()
	}
}

// InitRuntime initializes the ONNX Runtime environment. Idempotent per
// process; the first caller wins.
var initOnce sync.Once

func InitRuntime(libPath string) error {
	var err error
	initOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		err = ort.InitializeEnvironment()
	})
	return err
}

// DestroyRuntime tears down the ONNX Runtime environment at shutdown.
func DestroyRuntime() {
	_ = ort.DestroyEnvironment()
}
