package vision

import (
	"bytes"
	"image"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// decodeImage decodes raw encoded bytes into an RGBA bitmap. Greyscale and
// CMYK/NRGBA inputs are coerced to plain RGBA so downstream code always sees
// three usable color channels.
func decodeImage(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return toRGBA(img), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Copy(dst, image.Point{}, img, bounds, xdraw.Src, nil)
	return dst
}

// normalizeWorkingSize scales the image so its larger dimension lands inside
// [minSize, maxSize]: tiny images are upscaled to keep faces detectable,
// huge ones downscaled to bound compute. A scale change below ~10% is skipped
// to avoid needless resampling loss.
func normalizeWorkingSize(img *image.RGBA, minSize, maxSize int) *image.RGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	larger := w
	if h > larger {
		larger = h
	}
	if larger == 0 {
		return img
	}

	var scale float64
	switch {
	case larger < minSize:
		scale = float64(minSize) / float64(larger)
	case larger > maxSize:
		scale = float64(maxSize) / float64(larger)
	default:
		return img
	}

	if math.Abs(scale-1) < 0.1 {
		return img
	}

	newW := int(math.Round(float64(w) * scale))
	newH := int(math.Round(float64(h) * scale))
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// imageToCHW converts an image to CHW float32 format with per-channel
// normalization: pixel = (pixel - mean) / std. The image is first resized to
// the model input size with nearest-neighbour sampling (fast, sufficient for
// ML input).
func imageToCHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resizeNearest(img, targetW, targetH)
	bounds := resized.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, 3*h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)

			idx := y*w + x
			data[0*h*w+idx] = (rf - mean[0]) / std[0]
			data[1*h*w+idx] = (gf - mean[1]) / std[1]
			data[2*h*w+idx] = (bf - mean[2]) / std[2]
		}
	}

	return data
}

func preprocessForDetection(img image.Image, targetW, targetH int) []float32 {
	return imageToCHW(img, targetW, targetH, [3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0})
}

func preprocessForEmbedding(img image.Image, targetW, targetH int) []float32 {
	return imageToCHW(img, targetW, targetH, [3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
}

func resizeNearest(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == targetW && srcH == targetH {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))

	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}

	return dst
}

// cropFace extracts a face region with 10% padding on each side.
// Returns nil for degenerate boxes.
func cropFace(img image.Image, bbox [4]float32) image.Image {
	bounds := img.Bounds()

	x1 := int(bbox[0])
	y1 := int(bbox[1])
	x2 := int(bbox[2])
	y2 := int(bbox[3])

	if x1 < bounds.Min.X {
		x1 = bounds.Min.X
	}
	if y1 < bounds.Min.Y {
		y1 = bounds.Min.Y
	}
	if x2 > bounds.Max.X {
		x2 = bounds.Max.X
	}
	if y2 > bounds.Max.Y {
		y2 = bounds.Max.Y
	}

	w := x2 - x1
	h := y2 - y1
	if w <= 0 || h <= 0 {
		return nil
	}

	padW := int(float32(w) * 0.1)
	padH := int(float32(h) * 0.1)
	x1 -= padW
	y1 -= padH
	x2 += padW
	y2 += padH

	if x1 < bounds.Min.X {
		x1 = bounds.Min.X
	}
	if y1 < bounds.Min.Y {
		y1 = bounds.Min.Y
	}
	if x2 > bounds.Max.X {
		x2 = bounds.Max.X
	}
	if y2 > bounds.Max.Y {
		y2 = bounds.Max.Y
	}

	crop := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	for cy := y1; cy < y2; cy++ {
		for cx := x1; cx < x2; cx++ {
			crop.Set(cx-x1, cy-y1, img.At(cx, cy))
		}
	}

	return crop
}
