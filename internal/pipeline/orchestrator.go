package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailreport/internal/model"
)

// Mailbox is the mailbox-protocol abstraction the orchestrator drives.
// The IMAP client satisfies it via the Connector adapter.
type Mailbox interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is one owned mailbox session. Implementations must be safe
// for concurrent use; the IMAP implementation serializes internally.
type Session interface {
	FetchQualifying(ctx context.Context, filter model.SenderFilter) ([]model.IncomingEmail, error)
	MarkSeen(ctx context.Context, uid uint32) error
	DownloadAttachment(ctx context.Context, uid uint32, ref model.AttachmentRef, sink io.Writer) (int64, error)
	Close() error
}

// AttachmentStore persists downloaded attachments.
type AttachmentStore interface {
	Save(email model.IncomingEmail, ref model.AttachmentRef, download func(io.Writer) error) (model.StoredAttachment, error)
}

// ImageExtractor pulls embedded raster images out of a stored PDF.
type ImageExtractor interface {
	Extract(path string) (model.ExtractionResult, error)
}

// ImageNormalizer resizes and contrast-normalizes one extracted image.
type ImageNormalizer interface {
	Normalize(img model.ExtractedImage, maxWidth, maxHeight int) (model.ProcessedImage, error)
}

// ReportAssembler builds the report PDF from normalized images.
type ReportAssembler interface {
	Generate(images []model.ProcessedImage, meta model.ReportMetadata) (model.GeneratedReport, error)
}

// Deps wires the pipeline stages into a Runner.
type Deps struct {
	Mailbox     Mailbox
	Attachments AttachmentStore
	Extractor   ImageExtractor
	Normalizer  ImageNormalizer
	Assembler   ReportAssembler
}

// Options tunes a Runner.
type Options struct {
	Filter    model.SenderFilter
	MaxWidth  int
	MaxHeight int

	// Workers bounds concurrent attachment processing per email and
	// concurrent image normalization per attachment.
	Workers int

	// DefaultTitle is the report title used when an email subject is
	// blank.
	DefaultTitle string

	// KeepProcessedImages retains normalized image files after they
	// are embedded in a report. When false they are removed once the
	// report is written.
	KeepProcessedImages bool

	// OnOutcome, when set, receives each OutcomeRecord as it is
	// produced, before it is added to the CycleResult.
	OnOutcome func(model.OutcomeRecord)
}

// Runner drives one mailbox cycle to completion: connect, fetch,
// process every email, disconnect. Failures are isolated per
// attachment and converted into OutcomeRecords; only mailbox
// connectivity errors propagate out.
type Runner struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a Runner. The logger may be nil.
func NewRunner(deps Deps, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxWidth < 1 {
		opts.MaxWidth = 800
	}
	if opts.MaxHeight < 1 {
		opts.MaxHeight = 1000
	}
	return &Runner{deps: deps, opts: opts, logger: logger}
}

// RunCycle executes one full mailbox cycle. The returned CycleResult
// accounts for every email marked seen during the cycle. A connect or
// fetch failure aborts the cycle with no side effects; afterwards the
// mailbox is always disconnected, even on error or cancellation.
func (r *Runner) RunCycle(ctx context.Context) (model.CycleResult, error) {
	result := model.CycleResult{StartedAt: time.Now()}

	session, err := r.deps.Mailbox.Connect(ctx)
	if err != nil {
		return result, err
	}
	defer session.Close()

	emails, err := session.FetchQualifying(ctx, r.opts.Filter)
	if err != nil {
		return result, err
	}

	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			result.FinishedAt = time.Now()
			return result, err
		}

		// Mark seen exactly once per returned email, before
		// processing. A crash after this point drops the email rather
		// than reprocessing it forever (at-most-once).
		if err := session.MarkSeen(ctx, email.UID); err != nil {
			result.FinishedAt = time.Now()
			return result, fmt.Errorf("marking email %q seen: %w", email.Subject, err)
		}
		result.EmailsSeen++

		// Zero PDF attachments: seen, ignored, no outcome.
		if len(email.Attachments) == 0 {
			continue
		}

		records, err := r.processEmail(ctx, session, email)
		for _, rec := range records {
			r.emit(&result, rec)
		}
		if err != nil {
			result.FinishedAt = time.Now()
			return result, err
		}
	}

	result.FinishedAt = time.Now()
	r.logger.Info("cycle complete",
		"emailsSeen", result.EmailsSeen,
		"attachments", result.Attachments,
		"reports", result.Reports,
		"outcomes", len(result.Outcomes))
	return result, nil
}

// processEmail runs every attachment of one email through the
// per-attachment sub-sequence, fanning out across a bounded worker
// pool. Outcome records are returned in attachment order. The error is
// non-nil only on cancellation; per-attachment failures become
// records, never errors.
func (r *Runner) processEmail(
	ctx context.Context, session Session, email model.IncomingEmail,
) ([]model.OutcomeRecord, error) {
	logger := r.logger.With("emailSubject", email.Subject, "sender", email.Sender)
	logger.Info("processing email", "attachments", len(email.Attachments))

	records := make([]*model.OutcomeRecord, len(email.Attachments))
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)

	for i, ref := range email.Attachments {
		eg.Go(func() error {
			rec, err := r.processAttachment(gctx, session, email, ref, logger)
			if err != nil {
				// Cancelled in flight: cleaned up, no record.
				return err
			}
			mu.Lock()
			records[i] = &rec
			mu.Unlock()
			return nil
		})
	}

	err := eg.Wait()

	out := make([]model.OutcomeRecord, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, err
}

// processAttachment runs one attachment through Download → Extract →
// Normalize → Assemble and converts the result into a single
// OutcomeRecord. A non-nil error means the work was cancelled in
// flight; any partial files have been removed and no record applies.
func (r *Runner) processAttachment(
	ctx context.Context,
	session Session,
	email model.IncomingEmail,
	ref model.AttachmentRef,
	logger *slog.Logger,
) (model.OutcomeRecord, error) {
	logger = logger.With("attachment", ref.Filename)

	if err := ctx.Err(); err != nil {
		return model.OutcomeRecord{}, err
	}

	stored, err := r.deps.Attachments.Save(email, ref, func(w io.Writer) error {
		_, err := session.DownloadAttachment(ctx, email.UID, ref, w)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.OutcomeRecord{}, ctxErr
		}
		logger.Error("attachment download failed", "error", err)
		return r.failure(email, "", fmt.Sprintf("downloading attachment %q: %v", ref.Filename, err)), nil
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(stored.Path)
		return model.OutcomeRecord{}, err
	}

	extraction, err := r.deps.Extractor.Extract(stored.Path)
	if err != nil {
		logger.Error("image extraction failed", "error", err)
		return r.failure(email, stored.Path, fmt.Sprintf("extracting images: %v", err)), nil
	}

	if len(extraction.Images) == 0 {
		reason := "no images found in PDF"
		if extraction.DecodeFailures > 0 {
			reason = fmt.Sprintf("all %d images failed to decode", extraction.DecodeFailures)
		}
		logger.Warn("attachment yielded no usable images", "reason", reason)
		return r.warning(email, stored.Path, reason), nil
	}

	processed, dropped := r.normalizeAll(ctx, extraction.Images, logger)

	if err := ctx.Err(); err != nil {
		// Abandoned in flight: remove partial outputs, emit nothing.
		removeFiles(processed)
		_ = os.Remove(stored.Path)
		return model.OutcomeRecord{}, err
	}

	if len(processed) == 0 {
		logger.Warn("every image failed normalization", "dropped", dropped)
		return r.warning(email, stored.Path,
			fmt.Sprintf("all %d images failed normalization", dropped)), nil
	}

	meta := model.ReportMetadata{
		Title:     email.Subject,
		Author:    email.Sender,
		CreatedAt: email.ReceivedAt,
	}
	if meta.Title == "" {
		meta.Title = r.opts.DefaultTitle
	}

	generated, err := r.deps.Assembler.Generate(processed, meta)
	if err != nil {
		logger.Error("report generation failed", "error", err)
		removeFiles(processed)
		// The download stays on disk so the attachment can be
		// reprocessed manually.
		return r.failure(email, stored.Path, fmt.Sprintf("generating report: %v", err)), nil
	}

	if !r.opts.KeepProcessedImages {
		removeFiles(processed)
	}

	logger.Info("report generated",
		"report", generated.Path,
		"images", len(processed),
		"dropped", dropped+extraction.DecodeFailures)

	return model.OutcomeRecord{
		ID:             uuid.NewString(),
		Status:         model.OutcomeSuccess,
		EmailSubject:   email.Subject,
		EmailSender:    email.Sender,
		AttachmentPath: stored.Path,
		ReportPath:     generated.Path,
		ImageCount:     len(processed),
		DroppedImages:  dropped + extraction.DecodeFailures,
		CreatedAt:      time.Now(),
	}, nil
}

// normalizeAll fans the extracted images out across the worker pool
// and reassembles the results in original extraction order, dropping
// images that fail normalization.
func (r *Runner) normalizeAll(
	ctx context.Context, images []model.ExtractedImage, logger *slog.Logger,
) ([]model.ProcessedImage, int) {
	slots := make([]*model.ProcessedImage, len(images))
	var mu sync.Mutex
	dropped := 0

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)

	for i, img := range images {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			processed, err := r.deps.Normalizer.Normalize(img, r.opts.MaxWidth, r.opts.MaxHeight)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				dropped++
				logger.Warn("dropping image after normalization failure",
					"page", img.PageNr, "obj", img.ObjNr, "error", err)
				return nil
			}
			slots[i] = &processed
			return nil
		})
	}

	// The only possible group error is cancellation; the caller
	// checks ctx afterwards.
	_ = eg.Wait()

	// Reorder by original index regardless of completion order.
	out := make([]model.ProcessedImage, 0, len(slots))
	for _, p := range slots {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, dropped
}

func (r *Runner) failure(email model.IncomingEmail, attachmentPath, reason string) model.OutcomeRecord {
	return model.OutcomeRecord{
		ID:             uuid.NewString(),
		Status:         model.OutcomeFailure,
		EmailSubject:   email.Subject,
		EmailSender:    email.Sender,
		AttachmentPath: attachmentPath,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
}

func (r *Runner) warning(email model.IncomingEmail, attachmentPath, reason string) model.OutcomeRecord {
	return model.OutcomeRecord{
		ID:             uuid.NewString(),
		Status:         model.OutcomeWarning,
		EmailSubject:   email.Subject,
		EmailSender:    email.Sender,
		AttachmentPath: attachmentPath,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
}

func (r *Runner) emit(result *model.CycleResult, rec model.OutcomeRecord) {
	result.Outcomes = append(result.Outcomes, rec)
	result.Attachments++
	if rec.Status == model.OutcomeSuccess {
		result.Reports++
	}
	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(rec)
	}
}

func removeFiles(images []model.ProcessedImage) {
	for _, img := range images {
		_ = os.Remove(img.Path)
	}
}
