package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailreport/internal/model"
)

type fakeSession struct {
	mu         sync.Mutex
	emails     []model.IncomingEmail
	fetchErr   error
	markErr    error
	marked     []uint32
	downloaded []string
	dlErr      error
	closed     int
}

func (s *fakeSession) FetchQualifying(_ context.Context, _ model.SenderFilter) ([]model.IncomingEmail, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.emails, nil
}

func (s *fakeSession) MarkSeen(_ context.Context, uid uint32) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.mu.Lock()
	s.marked = append(s.marked, uid)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) DownloadAttachment(_ context.Context, _ uint32, ref model.AttachmentRef, sink io.Writer) (int64, error) {
	if s.dlErr != nil {
		return 0, s.dlErr
	}
	s.mu.Lock()
	s.downloaded = append(s.downloaded, ref.Filename)
	s.mu.Unlock()
	n, err := sink.Write([]byte("%PDF-1.4"))
	return int64(n), err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeMailbox struct {
	session    *fakeSession
	connectErr error
}

func (m *fakeMailbox) Connect(_ context.Context) (Session, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return m.session, nil
}

type fakeAttachStore struct {
	mu      sync.Mutex
	saved   []string
	saveErr error
}

func (f *fakeAttachStore) Save(email model.IncomingEmail, ref model.AttachmentRef, download func(io.Writer) error) (model.StoredAttachment, error) {
	if f.saveErr != nil {
		return model.StoredAttachment{}, f.saveErr
	}
	if err := download(io.Discard); err != nil {
		return model.StoredAttachment{}, err
	}
	f.mu.Lock()
	f.saved = append(f.saved, ref.Filename)
	f.mu.Unlock()
	return model.StoredAttachment{
		Path:         "/stored/" + ref.Filename,
		Ref:          ref,
		EmailSubject: email.Subject,
		EmailSender:  email.Sender,
	}, nil
}

type fakeExtractor struct {
	// results keyed by stored path; unknown paths yield err.
	results map[string]model.ExtractionResult
	err     error
}

func (f *fakeExtractor) Extract(path string) (model.ExtractionResult, error) {
	if f.err != nil {
		return model.ExtractionResult{}, f.err
	}
	res, ok := f.results[path]
	if !ok {
		return model.ExtractionResult{}, fmt.Errorf("unexpected path %s", path)
	}
	return res, nil
}

type fakeNormalizer struct {
	// failObj drops every image whose ObjNr appears here.
	failObj map[int]bool
}

func (f *fakeNormalizer) Normalize(img model.ExtractedImage, _, _ int) (model.ProcessedImage, error) {
	if f.failObj[img.ObjNr] {
		return model.ProcessedImage{}, fmt.Errorf("unsupported image p%d/o%d", img.PageNr, img.ObjNr)
	}
	return model.ProcessedImage{
		Path:       fmt.Sprintf("/processed/p%d_o%d.png", img.PageNr, img.ObjNr),
		Width:      img.Width,
		Height:     img.Height,
		SourcePage: img.PageNr,
		SourceObj:  img.ObjNr,
	}, nil
}

type fakeAssembler struct {
	mu    sync.Mutex
	calls [][]model.ProcessedImage
	metas []model.ReportMetadata
	err   error
}

func (f *fakeAssembler) Generate(images []model.ProcessedImage, meta model.ReportMetadata) (model.GeneratedReport, error) {
	if f.err != nil {
		return model.GeneratedReport{}, f.err
	}
	f.mu.Lock()
	f.calls = append(f.calls, images)
	f.metas = append(f.metas, meta)
	f.mu.Unlock()
	return model.GeneratedReport{
		Path:        fmt.Sprintf("/reports/%s.pdf", meta.Title),
		Images:      images,
		Metadata:    meta,
		GeneratedAt: time.Now(),
	}, nil
}

func extraction(images ...model.ExtractedImage) model.ExtractionResult {
	return model.ExtractionResult{Images: images, PageCount: len(images)}
}

func extracted(page, obj int) model.ExtractedImage {
	return model.ExtractedImage{
		Data: []byte{0xFF}, FileType: "png",
		Width: 100, Height: 80, PageNr: page, ObjNr: obj,
	}
}

func email(uid uint32, subject string, attachments ...string) model.IncomingEmail {
	refs := make([]model.AttachmentRef, 0, len(attachments))
	for _, name := range attachments {
		refs = append(refs, model.AttachmentRef{Filename: name, ContentType: "application/pdf"})
	}
	return model.IncomingEmail{
		UID:         uid,
		Subject:     subject,
		Sender:      "reports@example.com",
		ReceivedAt:  time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
		Attachments: refs,
	}
}

func newTestRunner(session *fakeSession, ext *fakeExtractor, norm *fakeNormalizer, asm *fakeAssembler, opts Options) (*Runner, *fakeAttachStore) {
	store := &fakeAttachStore{}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = "Generated Report"
	}
	r := NewRunner(Deps{
		Mailbox:     &fakeMailbox{session: session},
		Attachments: store,
		Extractor:   ext,
		Normalizer:  norm,
		Assembler:   asm,
	}, opts, nil)
	return r, store
}

func TestRunCycleSuccess(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(1, "Scan batch", "a.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/a.pdf": extraction(extracted(1, 4), extracted(2, 9)),
	}}
	asm := &fakeAssembler{}
	r, store := newTestRunner(session, ext, &fakeNormalizer{}, asm, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.EmailsSeen)
	assert.Equal(t, 1, result.Attachments)
	assert.Equal(t, 1, result.Reports)
	assert.Equal(t, []uint32{1}, session.marked)
	assert.Equal(t, []string{"a.pdf"}, store.saved)
	assert.Equal(t, 1, session.closed)

	require.Len(t, result.Outcomes, 1)
	rec := result.Outcomes[0]
	assert.Equal(t, model.OutcomeSuccess, rec.Status)
	assert.Equal(t, "Scan batch", rec.EmailSubject)
	assert.Equal(t, "/stored/a.pdf", rec.AttachmentPath)
	assert.Equal(t, "/reports/Scan batch.pdf", rec.ReportPath)
	assert.Equal(t, 2, rec.ImageCount)
	assert.Equal(t, 0, rec.DroppedImages)
	assert.NotEmpty(t, rec.ID)
}

func TestRunCycleZeroAttachmentEmailMarkedSeenWithoutRecord(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(7, "Newsletter"),
	}}
	r, _ := newTestRunner(session, &fakeExtractor{}, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint32{7}, session.marked)
	assert.Equal(t, 1, result.EmailsSeen)
	assert.Empty(t, result.Outcomes)
}

func TestRunCycleNoImagesWarning(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(2, "Text only", "blank.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/blank.pdf": {PageCount: 3},
	}}
	asm := &fakeAssembler{}
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, asm, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	rec := result.Outcomes[0]
	assert.Equal(t, model.OutcomeWarning, rec.Status)
	assert.Equal(t, "no images found in PDF", rec.Reason)
	assert.Equal(t, 0, result.Reports)
	assert.Empty(t, asm.calls, "no report for zero images")
}

func TestRunCycleAllDecodeFailuresWarning(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(3, "Broken scans", "bad.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/bad.pdf": {DecodeFailures: 4, PageCount: 2},
	}}
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, model.OutcomeWarning, result.Outcomes[0].Status)
	assert.Equal(t, "all 4 images failed to decode", result.Outcomes[0].Reason)
}

func TestRunCyclePartialNormalizationDrop(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(4, "Mixed", "mixed.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/mixed.pdf": extraction(extracted(1, 5), extracted(1, 8), extracted(2, 3)),
	}}
	norm := &fakeNormalizer{failObj: map[int]bool{8: true}}
	asm := &fakeAssembler{}
	r, _ := newTestRunner(session, ext, norm, asm, Options{KeepProcessedImages: true})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	rec := result.Outcomes[0]
	assert.Equal(t, model.OutcomeSuccess, rec.Status)
	assert.Equal(t, 2, rec.ImageCount)
	assert.Equal(t, 1, rec.DroppedImages)

	// Surviving images keep extraction order.
	require.Len(t, asm.calls, 1)
	require.Len(t, asm.calls[0], 2)
	assert.Equal(t, 5, asm.calls[0][0].SourceObj)
	assert.Equal(t, 3, asm.calls[0][1].SourceObj)
}

func TestRunCycleAllNormalizationFailuresWarning(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(5, "Odd formats", "odd.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/odd.pdf": extraction(extracted(1, 2), extracted(1, 6)),
	}}
	norm := &fakeNormalizer{failObj: map[int]bool{2: true, 6: true}}
	r, _ := newTestRunner(session, ext, norm, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, model.OutcomeWarning, result.Outcomes[0].Status)
	assert.Equal(t, "all 2 images failed normalization", result.Outcomes[0].Reason)
}

func TestRunCycleExtractFailureRecord(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(6, "Corrupt", "corrupt.pdf"),
	}}
	ext := &fakeExtractor{err: errors.New("xref table broken")}
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err, "attachment failures never abort the cycle")

	require.Len(t, result.Outcomes, 1)
	rec := result.Outcomes[0]
	assert.Equal(t, model.OutcomeFailure, rec.Status)
	assert.Contains(t, rec.Reason, "extracting images")
	assert.Contains(t, rec.Reason, "xref table broken")
	assert.Equal(t, 1, result.EmailsSeen, "email stays marked seen on failure")
}

func TestRunCycleDownloadFailureRecord(t *testing.T) {
	session := &fakeSession{
		emails: []model.IncomingEmail{email(8, "Flaky", "x.pdf")},
		dlErr:  errors.New("connection reset"),
	}
	r, _ := newTestRunner(session, &fakeExtractor{}, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	rec := result.Outcomes[0]
	assert.Equal(t, model.OutcomeFailure, rec.Status)
	assert.Contains(t, rec.Reason, "downloading attachment")
	assert.Empty(t, rec.AttachmentPath)
}

func TestRunCycleGenerateFailureRecord(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(9, "Noisy", "n.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/n.pdf": extraction(extracted(1, 1)),
	}}
	asm := &fakeAssembler{err: errors.New("disk full")}
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, asm, Options{})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	rec := result.Outcomes[0]
	assert.Equal(t, model.OutcomeFailure, rec.Status)
	assert.Contains(t, rec.Reason, "generating report")
	assert.Equal(t, "/stored/n.pdf", rec.AttachmentPath, "download kept for manual retry")
}

func TestRunCycleConnectErrorPropagates(t *testing.T) {
	connectErr := errors.New("dial tcp: refused")
	r := NewRunner(Deps{
		Mailbox: &fakeMailbox{connectErr: connectErr},
	}, Options{}, nil)

	result, err := r.RunCycle(context.Background())
	require.ErrorIs(t, err, connectErr)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, 0, result.EmailsSeen)
}

func TestRunCycleFetchErrorClosesSession(t *testing.T) {
	fetchErr := errors.New("mailbox gone")
	session := &fakeSession{fetchErr: fetchErr}
	r, _ := newTestRunner(session, &fakeExtractor{}, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	_, err := r.RunCycle(context.Background())
	require.ErrorIs(t, err, fetchErr)
	assert.Equal(t, 1, session.closed)
	assert.Empty(t, session.marked)
}

func TestRunCycleMarkSeenFailureAborts(t *testing.T) {
	session := &fakeSession{
		emails:  []model.IncomingEmail{email(10, "First", "a.pdf")},
		markErr: errors.New("store failed"),
	}
	r, store := newTestRunner(session, &fakeExtractor{}, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marking email")
	assert.Empty(t, store.saved, "no processing without the seen flag")
	assert.Equal(t, 0, result.EmailsSeen)
	assert.Equal(t, 1, session.closed)
}

func TestRunCycleMarksSeenExactlyOncePerEmail(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(11, "One", "a.pdf", "b.pdf"),
		email(12, "Two"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/a.pdf": extraction(extracted(1, 1)),
		"/stored/b.pdf": extraction(extracted(1, 2)),
	}}
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, &fakeAssembler{}, Options{Workers: 4})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint32{11, 12}, session.marked)
	assert.Equal(t, 2, result.EmailsSeen)
	assert.Equal(t, 2, result.Attachments)
}

func TestRunCycleRecordsKeepAttachmentOrder(t *testing.T) {
	names := []string{"one.pdf", "two.pdf", "three.pdf", "four.pdf"}
	session := &fakeSession{emails: []model.IncomingEmail{
		email(13, "Batch", names...),
	}}
	results := make(map[string]model.ExtractionResult, len(names))
	for i, name := range names {
		results["/stored/"+name] = extraction(extracted(1, i+1))
	}
	r, _ := newTestRunner(session, &fakeExtractor{results: results}, &fakeNormalizer{}, &fakeAssembler{}, Options{Workers: 4})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 4)
	// Concurrent workers may finish in any order; records come back in
	// attachment order.
	for i, name := range names {
		assert.Contains(t, result.Outcomes[i].AttachmentPath, name)
	}
}

func TestRunCyclePreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &fakeSession{emails: []model.IncomingEmail{
		email(14, "Never", "a.pdf"),
	}}
	r, store := newTestRunner(session, &fakeExtractor{}, &fakeNormalizer{}, &fakeAssembler{}, Options{})

	result, err := r.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Outcomes, "cancelled work emits no records")
	assert.Empty(t, store.saved)
	assert.Empty(t, session.marked)
	assert.Equal(t, 1, session.closed, "disconnect happens even on cancellation")
}

func TestRunCycleOnOutcomeCallback(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(15, "Callback", "a.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/a.pdf": extraction(extracted(1, 1)),
	}}

	var seen []model.OutcomeRecord
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, &fakeAssembler{}, Options{
		OnOutcome: func(rec model.OutcomeRecord) { seen = append(seen, rec) },
	})

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, result.Outcomes[0].ID, seen[0].ID)
}

func TestRunCycleDefaultTitleForBlankSubject(t *testing.T) {
	session := &fakeSession{emails: []model.IncomingEmail{
		email(16, "", "a.pdf"),
	}}
	ext := &fakeExtractor{results: map[string]model.ExtractionResult{
		"/stored/a.pdf": extraction(extracted(1, 1)),
	}}
	asm := &fakeAssembler{}
	r, _ := newTestRunner(session, ext, &fakeNormalizer{}, asm, Options{DefaultTitle: "Generated Report"})

	_, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, asm.metas, 1)
	assert.Equal(t, "Generated Report", asm.metas[0].Title)
	assert.Equal(t, "reports@example.com", asm.metas[0].Author)
}
