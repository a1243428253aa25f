package pdfimage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	// Codecs for decoding extracted image dimensions.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/nhle/mailreport/internal/model"
)

// CorruptDocumentError indicates the PDF's structural parse failed
// outright. It is fatal to the affected attachment.
type CorruptDocumentError struct {
	Path string
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("corrupt document (%s): %v", e.Path, e.Err)
}

func (e *CorruptDocumentError) Unwrap() error { return e.Err }

// IsCorruptDocumentError reports whether err (or any error in its
// chain) is a CorruptDocumentError.
func IsCorruptDocumentError(err error) bool {
	var corruptErr *CorruptDocumentError
	return errors.As(err, &corruptErr)
}

// Extractor pulls embedded raster images out of PDF documents.
type Extractor struct {
	conf   *pdfmodel.Configuration
	logger *slog.Logger
}

// NewExtractor creates an Extractor. Validation is relaxed so mildly
// malformed but readable documents still extract.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return &Extractor{conf: conf, logger: logger}
}

// Extract parses the PDF at path and returns every embedded raster
// image in page order, then ascending object number within a page.
// The ordering is deterministic for identical input bytes. An image
// that fails to decode is skipped and counted; only a structural parse
// failure aborts extraction.
func (e *Extractor) Extract(path string) (model.ExtractionResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ExtractionResult{}, &CorruptDocumentError{Path: path, Err: err}
	}
	defer f.Close()

	pageImages, err := api.ExtractImagesRaw(f, nil, e.conf)
	if err != nil {
		return model.ExtractionResult{}, &CorruptDocumentError{Path: path, Err: err}
	}

	result := model.ExtractionResult{PageCount: len(pageImages)}

	for pageIdx, byObjNr := range pageImages {
		pageNr := pageIdx + 1

		// Map iteration order is not stable; sort by object number so
		// identical inputs always yield the identical sequence.
		objNrs := make([]int, 0, len(byObjNr))
		for objNr := range byObjNr {
			objNrs = append(objNrs, objNr)
		}
		sort.Ints(objNrs)

		for _, objNr := range objNrs {
			img := byObjNr[objNr]
			if img.Thumb {
				continue
			}

			extracted, err := e.decodeImage(img, pageNr, objNr)
			if err != nil {
				result.DecodeFailures++
				e.logger.Warn("skipping undecodable image",
					"pdf", path, "page", pageNr, "obj", objNr, "error", err)
				continue
			}
			result.Images = append(result.Images, extracted)
		}
	}

	e.logger.Info("extracted images",
		"pdf", path,
		"pages", result.PageCount,
		"images", len(result.Images),
		"decodeFailures", result.DecodeFailures)

	return result, nil
}

// decodeImage drains one extracted image stream and resolves its pixel
// dimensions from the encoded bytes.
func (e *Extractor) decodeImage(
	img pdfmodel.Image, pageNr, objNr int,
) (model.ExtractedImage, error) {
	data, err := io.ReadAll(img)
	if err != nil {
		return model.ExtractedImage{}, fmt.Errorf("reading image stream: %w", err)
	}
	if len(data) == 0 {
		return model.ExtractedImage{}, fmt.Errorf("empty image stream")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return model.ExtractedImage{}, fmt.Errorf("decoding image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return model.ExtractedImage{}, fmt.Errorf("degenerate dimensions %dx%d", cfg.Width, cfg.Height)
	}

	return model.ExtractedImage{
		Data:     data,
		FileType: img.FileType,
		Width:    cfg.Width,
		Height:   cfg.Height,
		PageNr:   pageNr,
		ObjNr:    objNr,
	}, nil
}
