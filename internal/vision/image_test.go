package vision

import (
	"image"
	"testing"
)

func TestNormalizeWorkingSize(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		wantLarger int
	}{
		{"tiny upscaled", 100, 80, 300},
		{"huge downscaled", 4000, 3000, 1024},
		{"in range untouched", 800, 600, 800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image.NewRGBA(image.Rect(0, 0, tt.w, tt.h))
			out := normalizeWorkingSize(img, 300, 1024)

			larger := out.Bounds().Dx()
			if out.Bounds().Dy() > larger {
				larger = out.Bounds().Dy()
			}
			if larger != tt.wantLarger {
				t.Errorf("larger dimension = %d, want %d", larger, tt.wantLarger)
			}
		})
	}
}

func TestNormalizeWorkingSizePreservesAspect(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2048, 1024))
	out := normalizeWorkingSize(img, 300, 1024)
	if out.Bounds().Dx() != 1024 || out.Bounds().Dy() != 512 {
		t.Errorf("got %dx%d, want 1024x512", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestPreprocessForDetectionShape(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 33, 47))
	data := preprocessForDetection(img, 640, 640)
	if len(data) != 3*640*640 {
		t.Fatalf("len = %d, want %d", len(data), 3*640*640)
	}
	// Black pixels normalize to (0 - 127.5) / 128.
	want := float32(-127.5 / 128.0)
	if data[0] != want {
		t.Errorf("black pixel = %v, want %v", data[0], want)
	}
}

func TestCropFaceDegenerate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	if got := cropFace(img, [4]float32{50, 50, 50, 60}); got != nil {
		t.Error("zero-width box should yield nil")
	}
	if got := cropFace(img, [4]float32{200, 200, 300, 300}); got != nil {
		t.Error("fully out-of-bounds box should yield nil")
	}
}

func TestCropFacePadding(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	crop := cropFace(img, [4]float32{40, 40, 60, 60})
	if crop == nil {
		t.Fatal("valid box yielded nil")
	}
	// 20px box with 10% padding on each side.
	if crop.Bounds().Dx() != 24 || crop.Bounds().Dy() != 24 {
		t.Errorf("crop = %dx%d, want 24x24", crop.Bounds().Dx(), crop.Bounds().Dy())
	}
}

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4}
	l2normalize(v)
	if v[0] != 0.6 || v[1] != 0.8 {
		t.Errorf("got %v, want [0.6 0.8]", v)
	}

	zero := []float32{0, 0}
	l2normalize(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Error("zero vector must stay zero, not become NaN")
	}
}
