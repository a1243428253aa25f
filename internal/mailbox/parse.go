package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailreport/internal/model"
)

// parsePDFAttachments walks a raw RFC 2822 message with go-message and
// returns metadata for every attachment declaring a PDF content type.
// Bodies are discarded; only filename and content type are kept.
func parsePDFAttachments(raw []byte) []model.AttachmentRef {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	defer mr.Close()

	var refs []model.AttachmentRef
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, _ := h.Filename()
		contentType, _, _ := h.ContentType()
		if !isPDFContentType(contentType, filename) {
			continue
		}

		refs = append(refs, model.AttachmentRef{
			Filename:    filename,
			ContentType: contentType,
		})
	}

	return refs
}

// streamAttachment copies the body of the attachment named filename
// from the raw message into w, returning the number of bytes written.
func streamAttachment(raw []byte, filename string, w io.Writer) (int64, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading message part: %w", err)
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		name, _ := h.Filename()
		if name != filename {
			continue
		}

		n, err := io.Copy(w, part.Body)
		if err != nil {
			return n, fmt.Errorf("copying attachment body: %w", err)
		}
		return n, nil
	}

	return 0, fmt.Errorf("attachment %q not found in message", filename)
}

// isPDFContentType reports whether the declared content type (or, as a
// fallback for generic octet-stream attachments, the filename
// extension) identifies a PDF.
func isPDFContentType(contentType, filename string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "pdf") {
		return true
	}
	if ct == "application/octet-stream" &&
		strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return true
	}
	return false
}
