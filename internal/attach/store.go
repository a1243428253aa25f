package attach

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/mailreport/internal/model"
)

// IOError indicates a storage read/write failure. It is fatal to the
// affected attachment only.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error (%s): %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err (or any error in its chain) is an
// IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// Store persists PDF attachments under a single inbound root
// directory. Stored paths never escape the root.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Path: dir, Err: err}
	}
	return &Store{root: dir, logger: logger}, nil
}

// Root returns the inbound attachment directory.
func (s *Store) Root() string { return s.root }

// Save streams one attachment body into a uniquely named file under
// the store root and returns the resulting StoredAttachment. download
// is called with the destination writer and performs the actual body
// transfer. If download fails the partial file is removed before the
// error is returned, so no stored path ever references a truncated
// download.
func (s *Store) Save(
	email model.IncomingEmail,
	ref model.AttachmentRef,
	download func(io.Writer) error,
) (model.StoredAttachment, error) {
	name := s.uniqueName(email, ref)
	path := filepath.Join(s.root, name)

	// O_EXCL: never overwrite an existing attachment.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return model.StoredAttachment{}, &IOError{Path: path, Err: err}
	}

	if err := download(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return model.StoredAttachment{}, &IOError{
			Path: path,
			Err:  fmt.Errorf("downloading %q: %w", ref.Filename, err),
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return model.StoredAttachment{}, &IOError{Path: path, Err: err}
	}

	s.logger.Info("stored attachment",
		"file", name, "sender", email.Sender, "subject", email.Subject)

	return model.StoredAttachment{
		Path:         path,
		Ref:          ref,
		EmailSubject: email.Subject,
		EmailSender:  email.Sender,
		EmailDate:    email.ReceivedAt,
	}, nil
}

// uniqueName builds a collision-free filename from the sender, the
// receive time, a short random id and the sanitized original name.
func (s *Store) uniqueName(email model.IncomingEmail, ref model.AttachmentRef) string {
	sender := senderLocalPart(email.Sender)
	id := uuid.NewString()[:8]
	original := SanitizeFilename(ref.Filename)
	return fmt.Sprintf("%s_%d_%s_%s", sender, email.ReceivedAt.Unix(), id, original)
}

// SanitizeFilename reduces an attachment filename to its base name and
// strips characters that could escape the storage root or confuse the
// filesystem. Path traversal sequences are rejected outright.
func SanitizeFilename(name string) string {
	// Defuse both separator conventions before taking the base name.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	name = strings.ReplaceAll(name, "..", "")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "attachment.pdf"
	}
	return out
}

// senderLocalPart returns the local part of an email address, sanitized
// for use in a filename.
func senderLocalPart(addr string) string {
	local := addr
	if i := strings.IndexByte(addr, '@'); i > 0 {
		local = addr[:i]
	}
	local = SanitizeFilename(local)
	if local == "attachment.pdf" {
		local = "unknown"
	}
	return local
}
