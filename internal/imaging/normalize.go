package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	// Codecs for decoding extracted images.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/nhle/mailreport/internal/model"
)

// UnsupportedFormatError indicates an image encoding the decoder
// cannot handle. It is per-image and non-fatal to the batch.
type UnsupportedFormatError struct {
	FileType string
	Err      error
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported image format %q: %v", e.FileType, e.Err)
}

func (e *UnsupportedFormatError) Unwrap() error { return e.Err }

// IsUnsupportedFormatError reports whether err (or any error in its
// chain) is an UnsupportedFormatError.
func IsUnsupportedFormatError(err error) bool {
	var formatErr *UnsupportedFormatError
	return errors.As(err, &formatErr)
}

// Normalizer resizes and contrast-normalizes extracted images, writing
// the results as PNG files under a work directory.
type Normalizer struct {
	workDir string
	scaler  draw.Scaler
	logger  *slog.Logger
}

// NewNormalizer creates a Normalizer writing into workDir, creating it
// if needed. quality selects the resampling tier: "high" (Catmull-Rom),
// "medium" (bilinear) or "low" (nearest neighbor); anything else falls
// back to high.
func NewNormalizer(workDir, quality string, logger *slog.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir %s: %w", workDir, err)
	}
	return &Normalizer{
		workDir: workDir,
		scaler:  scalerForQuality(quality),
		logger:  logger,
	}, nil
}

// Normalize decodes the extracted image, resizes it to fit within
// maxWidth x maxHeight preserving aspect ratio (never upscaling),
// applies a linear contrast stretch, and writes the result to a
// uniquely named PNG file.
func (n *Normalizer) Normalize(
	img model.ExtractedImage, maxWidth, maxHeight int,
) (model.ProcessedImage, error) {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return model.ProcessedImage{}, &UnsupportedFormatError{
			FileType: img.FileType, Err: err,
		}
	}

	outW, outH := FitWithin(
		src.Bounds().Dx(), src.Bounds().Dy(), maxWidth, maxHeight,
	)

	resized := image.NewRGBA(image.Rect(0, 0, outW, outH))
	n.scaler.Scale(resized, resized.Bounds(), src, src.Bounds(), draw.Src, nil)

	stretchContrast(resized)

	path := filepath.Join(n.workDir, fmt.Sprintf("image_%s.png", uuid.NewString()))
	if err := writePNG(path, resized); err != nil {
		return model.ProcessedImage{}, err
	}

	n.logger.Debug("normalized image",
		"path", path, "width", outW, "height", outH,
		"sourcePage", img.PageNr, "sourceObj", img.ObjNr)

	return model.ProcessedImage{
		Path:       path,
		Width:      outW,
		Height:     outH,
		SourcePage: img.PageNr,
		SourceObj:  img.ObjNr,
	}, nil
}

// FitWithin computes the output dimensions for scaling w x h to fit
// within maxW x maxH: scale = min(maxW/w, maxH/h) clamped to at most
// 1.0, output = floor(original * scale).
func FitWithin(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if s := float64(maxW) / float64(w); s < scale {
		scale = s
	}
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}

	outW := int(float64(w) * scale)
	outH := int(float64(h) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

// stretchContrast remaps pixel values so the darkest luminance becomes
// 0 and the brightest 255. Flat images are left untouched.
func stretchContrast(img *image.RGBA) {
	minLum, maxLum := 255, 0

	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			lum := luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			if lum < minLum {
				minLum = lum
			}
			if lum > maxLum {
				maxLum = lum
			}
		}
	}

	if maxLum <= minLum {
		return
	}

	span := maxLum - minLum
	var lut [256]uint8
	for v := 0; v < 256; v++ {
		stretched := (v - minLum) * 255 / span
		if stretched < 0 {
			stretched = 0
		}
		if stretched > 255 {
			stretched = 255
		}
		lut[v] = uint8(stretched)
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = lut[img.Pix[i]]
			img.Pix[i+1] = lut[img.Pix[i+1]]
			img.Pix[i+2] = lut[img.Pix[i+2]]
		}
	}
}

// luminance returns the integer Rec. 601 luma of an RGB triple.
func luminance(r, g, b uint8) int {
	return (299*int(r) + 587*int(g) + 114*int(b)) / 1000
}

func scalerForQuality(quality string) draw.Scaler {
	switch quality {
	case "low":
		return draw.NearestNeighbor
	case "medium":
		return draw.BiLinear
	default:
		return draw.CatmullRom
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
