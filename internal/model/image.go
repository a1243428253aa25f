package model

// ExtractedImage is one raster image pulled out of a PDF, with its
// position in the document for deterministic ordering.
type ExtractedImage struct {
	// Data holds the encoded image bytes as stored in the PDF
	// (converted to a standard encoding by the extractor).
	Data []byte

	// FileType is the encoding of Data ("png", "jpg", "tiff", ...).
	FileType string

	Width  int
	Height int

	// PageNr is the 1-based page the image was found on.
	PageNr int

	// ObjNr is the PDF object number of the image stream. Together
	// with PageNr it identifies the image for ordering and dedup.
	ObjNr int
}

// ExtractionResult is the outcome of extracting images from one PDF.
type ExtractionResult struct {
	Images []ExtractedImage

	// DecodeFailures counts image objects that could not be decoded
	// and were skipped.
	DecodeFailures int

	PageCount int
}

// ProcessedImage is a normalized image written to disk, ready for
// report assembly.
type ProcessedImage struct {
	Path   string
	Width  int
	Height int

	// SourcePage and SourceObj carry through the originating
	// ExtractedImage identity for captions and ordering.
	SourcePage int
	SourceObj  int
}
