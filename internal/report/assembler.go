package report

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	// Codecs for reading logo dimensions.
	_ "image/jpeg"
	_ "image/png"

	"github.com/nhle/mailreport/internal/model"
)

// RenderError indicates an unrecoverable report-writing failure, such
// as an unwritable destination. It is fatal to the affected
// attachment's report.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render error (%s): %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// IsRenderError reports whether err (or any error in its chain) is a
// RenderError.
func IsRenderError(err error) bool {
	var renderErr *RenderError
	return errors.As(err, &renderErr)
}

// Page placement constants, in points. Each image page reserves a
// horizontal margin pool of 100pt and a vertical pool of 150pt, with
// the caption drawn 30pt above the bottom edge.
const (
	horizontalMargin = 100.0
	verticalMargin   = 150.0
	imageTopOffset   = 50.0
	captionX         = 50.0
	captionBottomPad = 30.0
	captionFontSize  = 12.0
)

// Options configures report generation.
type Options struct {
	OutputDir string

	// PageSize is a named preset understood by the PDF writer:
	// "A4", "Letter" or "Legal".
	PageSize string

	// LogoPath optionally names a PNG or JPEG drawn on a cover page.
	// A missing or unreadable file skips the cover page.
	LogoPath string

	// IncludeMetadata controls writing title/author/creation date
	// into the document info dictionary.
	IncludeMetadata bool
}

// Assembler builds the captioned report PDF from normalized images.
type Assembler struct {
	opts   Options
	logger *slog.Logger
}

// NewAssembler creates an Assembler writing into opts.OutputDir,
// creating it if needed.
func NewAssembler(opts Options, logger *slog.Logger) (*Assembler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageSize == "" {
		opts.PageSize = "A4"
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, &RenderError{Path: opts.OutputDir, Err: err}
	}
	return &Assembler{opts: opts, logger: logger}, nil
}

// Generate produces a single report PDF: an optional logo cover page
// followed by one captioned page per image, in the order given. The
// document must contain at least one image.
func (a *Assembler) Generate(
	images []model.ProcessedImage, meta model.ReportMetadata,
) (model.GeneratedReport, error) {
	if len(images) == 0 {
		return model.GeneratedReport{}, fmt.Errorf("report requires at least one image")
	}

	pdf := fpdf.New("P", "pt", a.opts.PageSize, "")
	pdf.SetFont("Helvetica", "", captionFontSize)

	if a.opts.IncludeMetadata {
		title := meta.Title
		if title == "" {
			title = "Generated Report"
		}
		author := meta.Author
		if author == "" {
			author = "System"
		}
		pdf.SetTitle(title, true)
		pdf.SetAuthor(author, true)
		if !meta.CreatedAt.IsZero() {
			pdf.SetCreationDate(meta.CreatedAt)
		}
	}

	a.addCoverPage(pdf)

	for _, img := range images {
		a.addImagePage(pdf, img)
	}

	name := fmt.Sprintf("report_%d_%s.pdf", time.Now().Unix(), uuid.NewString()[:8])
	outPath := filepath.Join(a.opts.OutputDir, name)

	if err := pdf.OutputFileAndClose(outPath); err != nil {
		_ = os.Remove(outPath)
		return model.GeneratedReport{}, &RenderError{Path: outPath, Err: err}
	}

	// Sanity-check the produced document parses.
	if _, err := api.PageCountFile(outPath); err != nil {
		_ = os.Remove(outPath)
		return model.GeneratedReport{}, &RenderError{
			Path: outPath,
			Err:  fmt.Errorf("verifying generated report: %w", err),
		}
	}

	a.logger.Info("generated report",
		"path", outPath, "images", len(images), "title", meta.Title)

	return model.GeneratedReport{
		Path:        outPath,
		Images:      images,
		Metadata:    meta,
		GeneratedAt: time.Now(),
	}, nil
}

// addCoverPage draws the configured logo at half scale on its own
// page. No logo, or a logo the codec cannot read, means no cover page.
func (a *Assembler) addCoverPage(pdf *fpdf.Fpdf) {
	if a.opts.LogoPath == "" {
		return
	}

	w, h, ok := imageDimensions(a.opts.LogoPath)
	if !ok {
		a.logger.Warn("skipping unreadable logo", "path", a.opts.LogoPath)
		return
	}

	pdf.AddPage()
	pdf.ImageOptions(
		a.opts.LogoPath,
		captionX, imageTopOffset,
		float64(w)/2, float64(h)/2,
		false,
		fpdf.ImageOptions{},
		0, "",
	)
}

// addImagePage places one normalized image on its own page, centered
// horizontally and offset from the top, with a caption line below the
// image region.
func (a *Assembler) addImagePage(pdf *fpdf.Fpdf, img model.ProcessedImage) {
	pdf.AddPage()
	pageW, pageH := pdf.GetPageSize()

	scale := min(
		(pageW-horizontalMargin)/float64(img.Width),
		(pageH-verticalMargin)/float64(img.Height),
	)

	scaledW := float64(img.Width) * scale
	scaledH := float64(img.Height) * scale

	pdf.ImageOptions(
		img.Path,
		(pageW-scaledW)/2, imageTopOffset,
		scaledW, scaledH,
		false,
		fpdf.ImageOptions{},
		0, "",
	)

	caption := fmt.Sprintf("Image %s", filepath.Base(img.Path))
	pdf.Text(captionX, pageH-captionBottomPad, caption)
}

// imageDimensions reads the pixel dimensions of an image file header,
// reporting ok=false when the file cannot be decoded.
func imageDimensions(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
