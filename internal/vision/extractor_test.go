package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/your-org/snapmatch/internal/config"
)

type stubDetector struct {
	detections []Detection
	err        error
}

func (s *stubDetector) Detect(imgData []float32, origW, origH int) ([]Detection, error) {
	return s.detections, s.err
}

func (s *stubDetector) InputSize() (int, int) { return 640, 640 }

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Extract(faceData []float32) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) InputSize() (int, int) { return 112, 112 }
func (s *stubEmbedder) Dim() int              { return len(s.vec) }

func testVisionConfig() config.VisionConfig {
	return config.VisionConfig{
		MaxFaces:        20,
		WorkingSizeMin:  300,
		WorkingSizeMax:  1024,
		MinFaceFraction: 0.05,
	}
}

func newTestExtractor(det faceDetector, emb faceEmbedder) *Extractor {
	return &Extractor{det: det, emb: emb, cfg: testVisionConfig()}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func faceAt(x1, y1, x2, y2 float32) Detection {
	size := x2 - x1
	return Detection{
		BBox:       [4]float32{x1, y1, x2, y2},
		Confidence: 0.9,
		Landmarks: [5][2]float32{
			{x1 + size*0.3, y1 + size*0.35},
			{x1 + size*0.7, y1 + size*0.35},
			{x1 + size*0.5, y1 + size*0.55},
			{x1 + size*0.35, y1 + size*0.75},
			{x1 + size*0.65, y1 + size*0.75},
		},
	}
}

func TestExtractUndecodableInputIsNotAnError(t *testing.T) {
	e := newTestExtractor(&stubDetector{}, &stubEmbedder{vec: []float32{1}})
	res, err := e.Extract(context.Background(), []byte("not an image"), AllFaces)
	if err != nil {
		t.Fatalf("undecodable input must not error, got %v", err)
	}
	if res.Detected() {
		t.Fatal("undecodable input produced embeddings")
	}
}

func TestExtractDetectorFailureIsRetryable(t *testing.T) {
	e := newTestExtractor(&stubDetector{err: errors.New("session died")}, &stubEmbedder{vec: []float32{1}})
	_, err := e.Extract(context.Background(), testPNG(t, 400, 400), AllFaces)
	if err == nil {
		t.Fatal("detector failure must surface as an error")
	}
}

func TestExtractNoFaces(t *testing.T) {
	e := newTestExtractor(&stubDetector{}, &stubEmbedder{vec: []float32{1}})
	res, err := e.Extract(context.Background(), testPNG(t, 400, 400), AllFaces)
	if err != nil {
		t.Fatal(err)
	}
	if res.Detected() {
		t.Fatal("no detections but Detected() is true")
	}
}

func TestExtractAllFaces(t *testing.T) {
	det := &stubDetector{detections: []Detection{
		faceAt(10, 10, 90, 90),
		faceAt(150, 20, 260, 130),
		faceAt(200, 200, 380, 380),
	}}
	emb := &stubEmbedder{vec: []float32{0.6, 0.8}}
	e := newTestExtractor(det, emb)

	res, err := e.Extract(context.Background(), testPNG(t, 400, 400), AllFaces)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Embeddings) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(res.Embeddings))
	}
}

func TestExtractMainFacePicksLargest(t *testing.T) {
	det := &stubDetector{detections: []Detection{
		faceAt(10, 10, 60, 60),
		faceAt(100, 100, 350, 350), // largest
		faceAt(300, 20, 390, 110),
	}}
	emb := &stubEmbedder{vec: []float32{1, 0}}
	e := newTestExtractor(det, emb)

	res, err := e.Extract(context.Background(), testPNG(t, 400, 400), MainFace)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Embeddings) != 1 {
		t.Fatalf("main-face mode produced %d embeddings, want 1", len(res.Embeddings))
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
}

func TestExtractMainFaceTooSmall(t *testing.T) {
	// 400px working image, 5% fraction: faces under 20x20 are rejected.
	det := &stubDetector{detections: []Detection{faceAt(10, 10, 22, 22)}}
	e := newTestExtractor(det, &stubEmbedder{vec: []float32{1}})

	res, err := e.Extract(context.Background(), testPNG(t, 400, 400), MainFace)
	if err != nil {
		t.Fatal(err)
	}
	if res.Detected() {
		t.Fatal("sub-minimum face should be rejected in main-face mode")
	}
}

func TestSelectFacesCapped(t *testing.T) {
	cfg := testVisionConfig()
	cfg.MaxFaces = 3
	e := &Extractor{cfg: cfg}

	var dets []Detection
	for i := 0; i < 10; i++ {
		off := float32(i * 30)
		dets = append(dets, faceAt(off, off, off+50+float32(i), off+50+float32(i)))
	}

	selected := e.selectFaces(dets, AllFaces, 400, 400)
	if len(selected) != 3 {
		t.Fatalf("selected %d faces, cap is 3", len(selected))
	}
	// The cap keeps the highest-ranked faces, which for equal dispersion
	// shape means the largest ones.
	for _, s := range selected {
		if s.Area() < dets[7].Area() {
			t.Errorf("cap kept a small face (area %v) over a larger one", s.Area())
		}
	}
}

func TestSelectFacesRanking(t *testing.T) {
	e := &Extractor{cfg: testVisionConfig()}

	sharp := faceAt(0, 0, 100, 100)
	collapsed := faceAt(200, 200, 300, 300)
	for i := range collapsed.Landmarks {
		collapsed.Landmarks[i] = [2]float32{250, 250}
	}

	selected := e.selectFaces([]Detection{collapsed, sharp}, AllFaces, 400, 400)
	if len(selected) != 2 {
		t.Fatalf("selected %d faces, want 2", len(selected))
	}
	if selected[0].BBox != sharp.BBox {
		t.Error("face with spread landmarks should rank above a collapsed one")
	}
}

func TestExtractDropsWrongDimension(t *testing.T) {
	det := &stubDetector{detections: []Detection{faceAt(50, 50, 350, 350)}}
	emb := &shrinkingEmbedder{}
	e := newTestExtractor(det, emb)

	res, err := e.Extract(context.Background(), testPNG(t, 400, 400), AllFaces)
	if err != nil {
		t.Fatal(err)
	}
	if res.Detected() {
		t.Fatal("descriptor with the wrong dimension must be dropped")
	}
}

// shrinkingEmbedder reports one dimension but emits another.
type shrinkingEmbedder struct{}

func (s *shrinkingEmbedder) Extract(faceData []float32) ([]float32, error) {
	return []float32{1, 2}, nil
}
func (s *shrinkingEmbedder) InputSize() (int, int) { return 112, 112 }
func (s *shrinkingEmbedder) Dim() int              { return 512 }

func TestExtractCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestExtractor(&stubDetector{}, &stubEmbedder{vec: []float32{1}})
	_, err := e.Extract(ctx, testPNG(t, 400, 400), AllFaces)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
